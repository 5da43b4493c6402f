package job

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/service"
)

type IPipelineRunner interface {
	Run(ctx context.Context, opts service.RunOptions) (*model.PipelineRun, error)
}

// PipelineJob runs the full pipeline on a schedule. A run already started
// through the api makes the tick a no-op.
type PipelineJob struct {
	runner IPipelineRunner
	mode   model.ExecMode
}

func NewPipelineJob(runner IPipelineRunner, mode model.ExecMode) *PipelineJob {
	return &PipelineJob{runner: runner, mode: mode}
}

func (j *PipelineJob) Name() string {
	return "pipeline"
}

func (j *PipelineJob) Run(ctx context.Context) error {
	if j.runner == nil {
		return nil
	}
	run, err := j.runner.Run(ctx, service.RunOptions{Mode: j.mode, Trigger: "cron"})
	if appErr.IsConflict(err) {
		logutil.GetLogger(ctx).Info("pipeline already running, tick ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status == model.StatusFailed {
		return fmt.Errorf("pipeline run %s failed: %s", run.ID, run.Error)
	}
	logutil.GetLogger(ctx).Info("scheduled pipeline run done",
		zap.String("pipeline_id", run.ID), zap.String("status", string(run.Status)))
	return nil
}
