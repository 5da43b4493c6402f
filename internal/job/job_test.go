package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/service"
)

type stubRunner struct {
	opts service.RunOptions
	run  *model.PipelineRun
	err  error
}

func (s *stubRunner) Run(ctx context.Context, opts service.RunOptions) (*model.PipelineRun, error) {
	s.opts = opts
	return s.run, s.err
}

func TestPipelineJob(t *testing.T) {
	runner := &stubRunner{run: &model.PipelineRun{ID: "p1", Status: model.StatusPartialSuccess}}
	job := NewPipelineJob(runner, model.ModeSync)
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, "cron", runner.opts.Trigger)
	require.Equal(t, model.ModeSync, runner.opts.Mode)

	runner.run = &model.PipelineRun{ID: "p2", Status: model.StatusFailed, Error: "phases not completed: [init]"}
	require.Error(t, job.Run(context.Background()))

	runner.run, runner.err = nil, appErr.ErrConflict
	require.NoError(t, job.Run(context.Background()))
}

type stubEmbedder struct {
	report *model.EmbeddingReport
	err    error
}

func (s *stubEmbedder) GenerateMissing(ctx context.Context, overrides ai.Overrides) (*model.EmbeddingReport, error) {
	return s.report, s.err
}

func TestEmbeddingJob(t *testing.T) {
	require.NoError(t, NewEmbeddingJob(&stubEmbedder{report: &model.EmbeddingReport{Generated: 2}}).Run(context.Background()))
	require.Error(t, NewEmbeddingJob(&stubEmbedder{report: &model.EmbeddingReport{Generated: 1, Failed: 1}}).Run(context.Background()))
	require.Error(t, NewEmbeddingJob(&stubEmbedder{err: errors.New("no route")}).Run(context.Background()))
	require.NoError(t, NewEmbeddingJob(nil).Run(context.Background()))
}

type stubCleaner struct {
	cutoff int64
}

func (s *stubCleaner) EvictIdle(ctx context.Context, cutoff int64) (int64, error) {
	s.cutoff = cutoff
	return 3, nil
}

func TestEmbeddingCacheCleanupJob(t *testing.T) {
	cleaner := &stubCleaner{}
	job := NewEmbeddingCacheCleanupJob(cleaner, 0)
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, now.AddDate(0, 0, -30).UnixMilli(), cleaner.cutoff)
}
