package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/dbutil"
)

type EmbeddingRepo struct {
	db *sql.DB
}

func NewEmbeddingRepo(db *sql.DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// Upsert overwrites on (document_type, document_id, model).
func (r *EmbeddingRepo) Upsert(ctx context.Context, emb *model.Embedding) error {
	const query = `
		INSERT INTO embeddings (document_type, document_id, model, embedding, content_hash, mtime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_type, document_id, model) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			mtime = EXCLUDED.mtime
	`
	_, err := r.db.ExecContext(ctx, query,
		string(emb.DocumentType),
		emb.DocumentID,
		emb.Model,
		pgvector.NewVector(emb.Embedding),
		emb.ContentHash,
		emb.Mtime,
	)
	return err
}

// ListHashes returns the stored content hash per document for a model.
func (r *EmbeddingRepo) ListHashes(ctx context.Context, modelName string) (map[model.DocumentRef]string, error) {
	where := map[string]interface{}{"model": modelName}
	sqlStr, args, err := builder.BuildSelect("embeddings", where, []string{"document_type", "document_id", "content_hash"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.DocumentRef]string)
	for rows.Next() {
		var ref model.DocumentRef
		var docType, hash string
		if err := rows.Scan(&docType, &ref.ID, &hash); err != nil {
			return nil, err
		}
		ref.Type = model.DocumentType(docType)
		out[ref] = hash
	}
	return out, rows.Err()
}

// ListByModel returns the embeddings of a model whose source document still
// exists.
func (r *EmbeddingRepo) ListByModel(ctx context.Context, modelName string) ([]*model.Embedding, error) {
	const query = `
		SELECT e.document_type, e.document_id, e.model, e.embedding, e.content_hash, e.mtime
		FROM embeddings e
		WHERE e.model = $1 AND (
			(e.document_type = $2 AND EXISTS (SELECT 1 FROM content_records c WHERE c.id = e.document_id))
			OR (e.document_type = $3 AND EXISTS (SELECT 1 FROM synthesis_documents s WHERE s.id = e.document_id))
		)
		ORDER BY e.document_id ASC, e.document_type ASC
	`
	rows, err := r.db.QueryContext(ctx, query, modelName, string(model.DocumentTypeContent), string(model.DocumentTypeSynthesis))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Embedding
	for rows.Next() {
		var item model.Embedding
		var docType string
		var vec pgvector.Vector
		if err := rows.Scan(&docType, &item.DocumentID, &item.Model, &vec, &item.ContentHash, &item.Mtime); err != nil {
			return nil, err
		}
		item.DocumentType = model.DocumentType(docType)
		item.Embedding = vec.Slice()
		out = append(out, &item)
	}
	return out, rows.Err()
}

// DeleteByRefs drops the embeddings of the given documents for every model.
func (r *EmbeddingRepo) DeleteByRefs(ctx context.Context, refs []model.DocumentRef) (int, error) {
	var total int
	for _, ref := range refs {
		where := map[string]interface{}{
			"document_type": string(ref.Type),
			"document_id":   ref.ID,
		}
		sqlStr, args, err := builder.BuildDelete("embeddings", where)
		if err != nil {
			return total, err
		}
		sqlStr, args = dbutil.Finalize(sqlStr, args)
		res, err := r.db.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}
