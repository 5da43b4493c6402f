package embedcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
)

// Memory is an in-process vector cache shared by every embedder it decorates,
// so size bounds the total across providers and models.
type Memory struct {
	cache *expirable.LRU[model.EmbeddingCacheKey, []float32]
}

// NewMemory returns nil when size or ttl is not positive; a nil Memory
// decorates nothing.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &Memory{cache: expirable.NewLRU[model.EmbeddingCacheKey, []float32](size, nil, ttl)}
}

func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}

func (m *Memory) Decorator() ai.EmbedderDecorator {
	return func(rt ai.Route, e ai.IEmbedder) ai.IEmbedder {
		if m == nil || e == nil {
			return e
		}
		return &memoryEmbedder{next: e, route: rt, mem: m}
	}
}

type memoryEmbedder struct {
	next  ai.IEmbedder
	route ai.Route
	mem   *Memory
}

func (l *memoryEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	key := keyFor(l.route, l.next.ModelName(), taskType, text)
	if cached, ok := l.mem.cache.Get(key); ok {
		logutil.GetLogger(ctx).Debug("embedding cache hit", zap.String("layer", "memory"), zap.String("key", key.String()))
		return cloneEmbedding(cached), nil
	}
	res, err := l.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	l.mem.cache.Add(key, cloneEmbedding(res))
	return res, nil
}

func (l *memoryEmbedder) ModelName() string {
	return l.next.ModelName()
}
