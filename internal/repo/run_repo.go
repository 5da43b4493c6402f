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

var runColumns = []string{"id", "status", "mode", "trigger", "phases", "error", "started_at", "finished_at"}

type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Save(ctx context.Context, run *model.PipelineRun) error {
	phases := run.Phases
	if phases == nil {
		phases = []model.PhaseResult{}
	}
	raw, err := json.Marshal(phases)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO pipeline_runs (id, status, mode, trigger, phases, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			phases = EXCLUDED.phases,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`
	_, err = r.db.ExecContext(ctx, query, run.ID, string(run.Status), string(run.Mode), run.Trigger, string(raw), run.Error, run.StartedAt, run.FinishedAt)
	return err
}

func (r *RunRepo) Get(ctx context.Context, id string) (*model.PipelineRun, error) {
	list, err := r.list(ctx, map[string]interface{}{"id": id, "_limit": []uint{0, 1}})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, appErr.ErrNotFound
	}
	return list[0], nil
}

func (r *RunRepo) ListRecent(ctx context.Context, limit uint) ([]*model.PipelineRun, error) {
	return r.list(ctx, map[string]interface{}{
		"_orderby": "started_at desc",
		"_limit":   []uint{0, limit},
	})
}

func (r *RunRepo) list(ctx context.Context, where map[string]interface{}) ([]*model.PipelineRun, error) {
	sqlStr, args, err := builder.BuildSelect("pipeline_runs", where, runColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.PipelineRun
	for rows.Next() {
		var run model.PipelineRun
		var status string
		var phases []byte
		if err := rows.Scan(&run.ID, &status, &run.Mode, &run.Trigger, &phases, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Status = model.Status(status)
		if err := decodeJSONColumns([]jsonColumn{{phases, &run.Phases}}); err != nil {
			return nil, err
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
