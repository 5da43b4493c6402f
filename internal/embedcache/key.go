package embedcache

import (
	"strings"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/hashutil"
)

func keyFor(rt ai.Route, modelName, taskType, text string) model.EmbeddingCacheKey {
	if m := strings.TrimSpace(modelName); m != "" {
		rt.Model = m
	}
	if rt.Model == "" {
		rt.Model = "unknown"
	}
	return model.EmbeddingCacheKey{
		Provider:    rt.Provider,
		Model:       rt.Model,
		TaskType:    taskType,
		ContentHash: hashutil.Sum(text),
	}
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
