package model

// EmbeddingCacheKey identifies one cached vector. The provider is part of the
// key: two providers serving a model of the same name do not share vectors.
type EmbeddingCacheKey struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	TaskType    string `json:"task_type"`
	ContentHash string `json:"content_hash"`
}

func (k EmbeddingCacheKey) String() string {
	return k.Provider + "/" + k.Model + ":" + k.TaskType + ":" + k.ContentHash
}

// EmbeddingCacheEntry is a cached vector. LastHit is refreshed on every read
// and drives eviction.
type EmbeddingCacheEntry struct {
	EmbeddingCacheKey
	Embedding []float32 `json:"embedding"`
	Ctime     int64     `json:"ctime"`
	LastHit   int64     `json:"last_hit"`
}
