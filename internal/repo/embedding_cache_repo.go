package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/dbutil"
)

// EmbeddingCacheRepo stores vectors by provider, model, task type and content
// hash so identical texts are embedded once across runs and restarts.
type EmbeddingCacheRepo struct {
	db *sql.DB
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

// Lookup returns the cached vector for key and stamps its last hit.
func (r *EmbeddingCacheRepo) Lookup(ctx context.Context, key model.EmbeddingCacheKey, now int64) ([]float32, bool, error) {
	const query = `
		UPDATE embedding_cache SET last_hit = $5
		WHERE provider = $1 AND model_name = $2 AND task_type = $3 AND content_hash = $4
		RETURNING embedding
	`
	var vec pgvector.Vector
	err := r.db.QueryRowContext(ctx, query, key.Provider, key.Model, key.TaskType, key.ContentHash, now).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec.Slice(), true, nil
}

func (r *EmbeddingCacheRepo) Store(ctx context.Context, entry *model.EmbeddingCacheEntry) error {
	const query = `
		INSERT INTO embedding_cache (provider, model_name, task_type, content_hash, embedding, ctime, last_hit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, model_name, task_type, content_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			last_hit = EXCLUDED.last_hit
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.Provider,
		entry.Model,
		entry.TaskType,
		entry.ContentHash,
		pgvector.NewVector(entry.Embedding),
		entry.Ctime,
		entry.LastHit,
	)
	return err
}

// EvictIdle removes entries not read since cutoff (unix millis).
func (r *EmbeddingCacheRepo) EvictIdle(ctx context.Context, cutoff int64) (int64, error) {
	where := map[string]interface{}{"last_hit <": cutoff}
	sqlStr, args, err := builder.BuildDelete("embedding_cache", where)
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
