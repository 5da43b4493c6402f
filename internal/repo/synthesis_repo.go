package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/dbutil"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

var synthesisColumns = []string{
	"id", "main_category", "sub_category", "title", "content", "summary", "key_insights",
	"source_count", "source_content_ids", "model_used", "is_stale", "ctime", "mtime",
}

type SynthesisRepo struct {
	db *sql.DB
}

func NewSynthesisRepo(db *sql.DB) *SynthesisRepo {
	return &SynthesisRepo{db: db}
}

func (r *SynthesisRepo) Get(ctx context.Context, key model.CategoryKey) (*model.SynthesisDocument, error) {
	list, err := r.list(ctx, map[string]interface{}{
		"main_category": key.Main,
		"sub_category":  key.Sub,
		"_limit":        []uint{0, 1},
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, appErr.ErrNotFound
	}
	return list[0], nil
}

func (r *SynthesisRepo) List(ctx context.Context) ([]*model.SynthesisDocument, error) {
	return r.list(ctx, map[string]interface{}{"_orderby": "main_category asc, sub_category asc"})
}

func (r *SynthesisRepo) list(ctx context.Context, where map[string]interface{}) ([]*model.SynthesisDocument, error) {
	sqlStr, args, err := builder.BuildSelect("synthesis_documents", where, synthesisColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.SynthesisDocument
	for rows.Next() {
		var doc model.SynthesisDocument
		var insights, sources []byte
		if err := rows.Scan(&doc.ID, &doc.MainCategory, &doc.SubCategory, &doc.Title, &doc.Content, &doc.Summary,
			&insights, &doc.SourceCount, &sources, &doc.Model, &doc.IsStale, &doc.Ctime, &doc.Mtime); err != nil {
			return nil, err
		}
		if err := decodeJSONColumns([]jsonColumn{{insights, &doc.KeyInsights}, {sources, &doc.SourceContentIDs}}); err != nil {
			return nil, err
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// Upsert writes the document in place on its category key; the original id
// and ctime survive regeneration.
func (r *SynthesisRepo) Upsert(ctx context.Context, doc *model.SynthesisDocument) error {
	insights := doc.KeyInsights
	if insights == nil {
		insights = []string{}
	}
	sources := doc.SourceContentIDs
	if sources == nil {
		sources = []string{}
	}
	rawInsights, err := json.Marshal(insights)
	if err != nil {
		return err
	}
	rawSources, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO synthesis_documents (id, main_category, sub_category, title, content, summary, key_insights,
			source_count, source_content_ids, model_used, is_stale, ctime, mtime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (main_category, sub_category) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			summary = EXCLUDED.summary,
			key_insights = EXCLUDED.key_insights,
			source_count = EXCLUDED.source_count,
			source_content_ids = EXCLUDED.source_content_ids,
			model_used = EXCLUDED.model_used,
			is_stale = EXCLUDED.is_stale,
			mtime = EXCLUDED.mtime
	`
	_, err = r.db.ExecContext(ctx, query,
		doc.ID, doc.MainCategory, doc.SubCategory, doc.Title, doc.Content, doc.Summary, string(rawInsights),
		doc.SourceCount, string(rawSources), doc.Model, doc.IsStale, doc.Ctime, doc.Mtime,
	)
	return err
}

func (r *SynthesisRepo) SetStale(ctx context.Context, key model.CategoryKey, stale bool, mtime int64) error {
	where := map[string]interface{}{
		"main_category": key.Main,
		"sub_category":  key.Sub,
	}
	update := map[string]interface{}{
		"is_stale": stale,
		"mtime":    mtime,
	}
	sqlStr, args, err := builder.BuildUpdate("synthesis_documents", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}
