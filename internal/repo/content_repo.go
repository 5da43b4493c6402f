package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/dbutil"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

var contentColumns = []string{
	"id", "source_type", "source_id", "title", "text", "author", "url",
	"media", "engagement", "is_thread", "thread_ids",
	"bookmark_cached", "media_analyzed", "content_understood", "categorized",
	"collective_understanding", "media_analysis_results", "main_category", "sub_category",
	"vision_model_used", "understanding_model_used", "categorization_model_used",
	"source_ctime", "ctime", "mtime",
}

type ContentRepo struct {
	db *sql.DB
}

func NewContentRepo(db *sql.DB) *ContentRepo {
	return &ContentRepo{db: db}
}

func (r *ContentRepo) Create(ctx context.Context, rec *model.ContentRecord) error {
	media, engagement, threadIDs, findings, err := encodeContentJSON(rec)
	if err != nil {
		return err
	}
	state := rec.State()
	data := map[string]interface{}{
		"id":                        rec.ID,
		"source_type":               rec.SourceType,
		"source_id":                 rec.SourceID,
		"title":                     rec.Title,
		"text":                      rec.Text,
		"author":                    rec.Author,
		"url":                       rec.URL,
		"media":                     media,
		"engagement":                engagement,
		"is_thread":                 rec.IsThread,
		"thread_ids":                threadIDs,
		"bookmark_cached":           state.BookmarkCached,
		"media_analyzed":            state.MediaAnalyzed,
		"content_understood":        state.ContentUnderstood,
		"categorized":               state.Categorized,
		"collective_understanding":  rec.CollectiveUnderstanding,
		"media_analysis_results":    findings,
		"main_category":             rec.MainCategory,
		"sub_category":              rec.SubCategory,
		"vision_model_used":         rec.VisionModel,
		"understanding_model_used":  rec.UnderstandingModel,
		"categorization_model_used": rec.CategorizationModel,
		"source_ctime":              rec.SourceCtime,
		"ctime":                     rec.Ctime,
		"mtime":                     rec.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("content_records", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ContentRepo) GetByID(ctx context.Context, id string) (*model.ContentRecord, error) {
	return r.getOne(ctx, map[string]interface{}{"id": id})
}

func (r *ContentRepo) GetBySource(ctx context.Context, sourceType, sourceID string) (*model.ContentRecord, error) {
	return r.getOne(ctx, map[string]interface{}{
		"source_type": sourceType,
		"source_id":   sourceID,
	})
}

func (r *ContentRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.ContentRecord, error) {
	where["_limit"] = []uint{0, 1}
	list, err := r.list(ctx, where)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, appErr.ErrNotFound
	}
	return list[0], nil
}

// ListAll returns every record ordered by id.
func (r *ContentRepo) ListAll(ctx context.Context) ([]*model.ContentRecord, error) {
	return r.list(ctx, map[string]interface{}{"_orderby": "id asc"})
}

func (r *ContentRepo) ListIncomplete(ctx context.Context, sourceType string) ([]*model.ContentRecord, error) {
	const query = `SELECT %s FROM content_records
		WHERE source_type = $1 AND NOT (bookmark_cached AND media_analyzed AND content_understood AND categorized)
		ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(query, columnList()), sourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRows(rows)
}

func (r *ContentRepo) ListByIDs(ctx context.Context, ids []string) ([]*model.ContentRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := dbutil.InIDs(fmt.Sprintf(`SELECT %s FROM content_records WHERE id IN (?) ORDER BY id ASC`, columnList()), ids)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRows(rows)
}

func (r *ContentRepo) ListByCategory(ctx context.Context, key model.CategoryKey) ([]*model.ContentRecord, error) {
	return r.list(ctx, map[string]interface{}{
		"main_category": key.Main,
		"sub_category":  key.Sub,
		"categorized":   true,
		"_orderby":      "id asc",
	})
}

func (r *ContentRepo) list(ctx context.Context, where map[string]interface{}) ([]*model.ContentRecord, error) {
	sqlStr, args, err := builder.BuildSelect("content_records", where, contentColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRows(rows)
}

// ResetFlags clears all sub-phase flags to start a new processing generation.
func (r *ContentRepo) ResetFlags(ctx context.Context, id string, mtime int64) error {
	return r.update(ctx, map[string]interface{}{"id": id}, map[string]interface{}{
		"bookmark_cached":    false,
		"media_analyzed":     false,
		"content_understood": false,
		"categorized":        false,
		"mtime":              mtime,
	})
}

// SaveBookmarkCache refreshes the source payload and sets bookmark_cached.
func (r *ContentRepo) SaveBookmarkCache(ctx context.Context, rec *model.ContentRecord) error {
	media, engagement, threadIDs, _, err := encodeContentJSON(rec)
	if err != nil {
		return err
	}
	return r.update(ctx, map[string]interface{}{"id": rec.ID}, map[string]interface{}{
		"title":           rec.Title,
		"text":            rec.Text,
		"author":          rec.Author,
		"url":             rec.URL,
		"media":           media,
		"engagement":      engagement,
		"is_thread":       rec.IsThread,
		"thread_ids":      threadIDs,
		"source_ctime":    rec.SourceCtime,
		"bookmark_cached": true,
		"mtime":           rec.Mtime,
	})
}

func (r *ContentRepo) SaveMediaAnalysis(ctx context.Context, id string, findings []model.MediaFinding, modelName string, mtime int64) error {
	if findings == nil {
		findings = []model.MediaFinding{}
	}
	raw, err := json.Marshal(findings)
	if err != nil {
		return err
	}
	return r.update(ctx, map[string]interface{}{"id": id}, map[string]interface{}{
		"media_analysis_results": string(raw),
		"vision_model_used":      modelName,
		"media_analyzed":         true,
		"mtime":                  mtime,
	})
}

func (r *ContentRepo) SaveUnderstanding(ctx context.Context, id string, understanding string, modelName string, mtime int64) error {
	return r.update(ctx, map[string]interface{}{"id": id}, map[string]interface{}{
		"collective_understanding": understanding,
		"understanding_model_used": modelName,
		"content_understood":       true,
		"mtime":                    mtime,
	})
}

// SaveCategorization only applies while content_understood holds.
func (r *ContentRepo) SaveCategorization(ctx context.Context, id string, key model.CategoryKey, modelName string, mtime int64) error {
	err := r.update(ctx, map[string]interface{}{"id": id, "content_understood": true}, map[string]interface{}{
		"main_category":             key.Main,
		"sub_category":              key.Sub,
		"categorization_model_used": modelName,
		"categorized":               true,
		"mtime":                     mtime,
	})
	if !appErr.IsNotFound(err) {
		return err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("categorize %s: content not understood: %w", id, appErr.ErrPrecondition)
}

func (r *ContentRepo) update(ctx context.Context, where, update map[string]interface{}) error {
	sqlStr, args, err := builder.BuildUpdate("content_records", where, update)
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

func (r *ContentRepo) CountByCategory(ctx context.Context) ([]model.CategoryCount, error) {
	const query = `SELECT main_category, sub_category, COUNT(1)
		FROM content_records
		WHERE categorized AND main_category <> '' AND sub_category <> ''
		GROUP BY main_category, sub_category
		ORDER BY main_category ASC, sub_category ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CategoryCount
	for rows.Next() {
		var item model.CategoryCount
		if err := rows.Scan(&item.Main, &item.Sub, &item.Count); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *ContentRepo) Stats(ctx context.Context) (*model.ContentStats, error) {
	const query = `SELECT COUNT(1),
		COUNT(1) FILTER (WHERE bookmark_cached AND media_analyzed AND content_understood AND categorized)
		FROM content_records`
	stats := &model.ContentStats{}
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.FullyProcessed); err != nil {
		return nil, err
	}
	cats, err := r.CountByCategory(ctx)
	if err != nil {
		return nil, err
	}
	stats.Categories = cats
	return stats, nil
}

func (r *ContentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func columnList() string {
	return strings.Join(contentColumns, ", ")
}

func encodeContentJSON(rec *model.ContentRecord) (string, string, string, string, error) {
	media := rec.Media
	if media == nil {
		media = []model.MediaItem{}
	}
	threadIDs := rec.ThreadIDs
	if threadIDs == nil {
		threadIDs = []string{}
	}
	findings := rec.MediaAnalysis
	if findings == nil {
		findings = []model.MediaFinding{}
	}
	parts := []interface{}{media, rec.Engagement, threadIDs, findings}
	out := make([]string, len(parts))
	for i, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return "", "", "", "", err
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], out[3], nil
}

func scanContentRows(rows *sql.Rows) ([]*model.ContentRecord, error) {
	var out []*model.ContentRecord
	for rows.Next() {
		var (
			rec                                       model.ContentRecord
			media, engagement, threadIDs, findings    []byte
			cached, analyzed, understood, categorized bool
		)
		if err := rows.Scan(
			&rec.ID, &rec.SourceType, &rec.SourceID, &rec.Title, &rec.Text, &rec.Author, &rec.URL,
			&media, &engagement, &rec.IsThread, &threadIDs,
			&cached, &analyzed, &understood, &categorized,
			&rec.CollectiveUnderstanding, &findings, &rec.MainCategory, &rec.SubCategory,
			&rec.VisionModel, &rec.UnderstandingModel, &rec.CategorizationModel,
			&rec.SourceCtime, &rec.Ctime, &rec.Mtime,
		); err != nil {
			return nil, err
		}
		if err := decodeJSONColumns([]jsonColumn{
			{media, &rec.Media},
			{engagement, &rec.Engagement},
			{threadIDs, &rec.ThreadIDs},
			{findings, &rec.MediaAnalysis},
		}); err != nil {
			return nil, err
		}
		rec.Flags = model.NewSubPhaseFlags(cached, analyzed, understood, categorized)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type jsonColumn struct {
	raw []byte
	dst interface{}
}

func decodeJSONColumns(items []jsonColumn) error {
	for _, item := range items {
		if len(item.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(item.raw, item.dst); err != nil {
			return fmt.Errorf("decode json column: %w", err)
		}
	}
	return nil
}
