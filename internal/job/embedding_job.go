package job

import (
	"context"
	"fmt"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
)

type IEmbeddingGenerator interface {
	GenerateMissing(ctx context.Context, overrides ai.Overrides) (*model.EmbeddingReport, error)
}

// EmbeddingJob backfills embeddings between pipeline runs.
type EmbeddingJob struct {
	embeddings IEmbeddingGenerator
}

func NewEmbeddingJob(embeddings IEmbeddingGenerator) *EmbeddingJob {
	return &EmbeddingJob{embeddings: embeddings}
}

func (j *EmbeddingJob) Name() string {
	return "embeddings"
}

func (j *EmbeddingJob) Run(ctx context.Context) error {
	if j.embeddings == nil {
		return nil
	}
	report, err := j.embeddings.GenerateMissing(ctx, nil)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d documents not embedded", report.Failed, report.Generated+report.Failed)
	}
	return nil
}
