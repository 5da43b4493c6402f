package service

import (
	"context"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
)

type IContentStore interface {
	Create(ctx context.Context, rec *model.ContentRecord) error
	GetByID(ctx context.Context, id string) (*model.ContentRecord, error)
	GetBySource(ctx context.Context, sourceType, sourceID string) (*model.ContentRecord, error)
	ListAll(ctx context.Context) ([]*model.ContentRecord, error)
	ListIncomplete(ctx context.Context, sourceType string) ([]*model.ContentRecord, error)
	ListByIDs(ctx context.Context, ids []string) ([]*model.ContentRecord, error)
	ListByCategory(ctx context.Context, key model.CategoryKey) ([]*model.ContentRecord, error)
	ResetFlags(ctx context.Context, id string, mtime int64) error
	SaveBookmarkCache(ctx context.Context, rec *model.ContentRecord) error
	SaveMediaAnalysis(ctx context.Context, id string, findings []model.MediaFinding, modelName string, mtime int64) error
	SaveUnderstanding(ctx context.Context, id string, understanding string, modelName string, mtime int64) error
	SaveCategorization(ctx context.Context, id string, key model.CategoryKey, modelName string, mtime int64) error
	CountByCategory(ctx context.Context) ([]model.CategoryCount, error)
	Stats(ctx context.Context) (*model.ContentStats, error)
	Ping(ctx context.Context) error
}

type ISynthesisStore interface {
	Get(ctx context.Context, key model.CategoryKey) (*model.SynthesisDocument, error)
	List(ctx context.Context) ([]*model.SynthesisDocument, error)
	Upsert(ctx context.Context, doc *model.SynthesisDocument) error
	SetStale(ctx context.Context, key model.CategoryKey, stale bool, mtime int64) error
}

type IEmbeddingStore interface {
	Upsert(ctx context.Context, emb *model.Embedding) error
	ListHashes(ctx context.Context, modelName string) (map[model.DocumentRef]string, error)
	ListByModel(ctx context.Context, modelName string) ([]*model.Embedding, error)
	DeleteByRefs(ctx context.Context, refs []model.DocumentRef) (int, error)
}

type IRunStore interface {
	Save(ctx context.Context, run *model.PipelineRun) error
	Get(ctx context.Context, id string) (*model.PipelineRun, error)
}

// IResolver binds logical AI phases to concrete models.
type IResolver interface {
	Resolve(phase ai.LogicalPhase, override *ai.Override) (*ai.Resolution, error)
	Check(ctx context.Context) error
}

type IExporter interface {
	ExportAndCommit(ctx context.Context, records []*model.ContentRecord, syntheses []*model.SynthesisDocument, readme *model.Readme) (*model.ExportResult, error)
}
