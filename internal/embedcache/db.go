package embedcache

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
)

type IEntryStore interface {
	Lookup(ctx context.Context, key model.EmbeddingCacheKey, now int64) ([]float32, bool, error)
	Store(ctx context.Context, entry *model.EmbeddingCacheEntry) error
}

// NewPersistentDecorator caches vectors in store. Store errors are logged and
// the backend is called as if the entry were missing.
func NewPersistentDecorator(store IEntryStore) ai.EmbedderDecorator {
	return func(rt ai.Route, e ai.IEmbedder) ai.IEmbedder {
		if e == nil || store == nil {
			return e
		}
		return &persistentEmbedder{next: e, route: rt, store: store, now: time.Now}
	}
}

type persistentEmbedder struct {
	next  ai.IEmbedder
	route ai.Route
	store IEntryStore
	now   func() time.Time
}

func (d *persistentEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	logger := logutil.GetLogger(ctx)
	key := keyFor(d.route, d.next.ModelName(), taskType, text)
	now := d.now().UnixMilli()
	values, ok, err := d.store.Lookup(ctx, key, now)
	switch {
	case err != nil:
		logger.Warn("read embedding cache failed", zap.String("key", key.String()), zap.Error(err))
	case ok:
		logger.Debug("embedding cache hit", zap.String("layer", "db"), zap.String("key", key.String()))
		return values, nil
	}
	res, err := d.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if err := d.store.Store(ctx, &model.EmbeddingCacheEntry{
		EmbeddingCacheKey: key,
		Embedding:         res,
		Ctime:             now,
		LastHit:           now,
	}); err != nil {
		logger.Warn("write embedding cache failed", zap.String("key", key.String()), zap.Error(err))
	}
	return res, nil
}

func (d *persistentEmbedder) ModelName() string {
	return d.next.ModelName()
}
