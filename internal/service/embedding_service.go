package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/pkg/hashutil"
	"github.com/xxxsen/markkb/internal/pkg/mdtext"
)

const (
	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"

	defaultTopK = 10
)

type EmbeddingService struct {
	contents    IContentStore
	syntheses   ISynthesisStore
	embeddings  IEmbeddingStore
	resolver    IResolver
	concurrency int
	callTimeout time.Duration
	now         func() time.Time
}

func NewEmbeddingService(contents IContentStore, syntheses ISynthesisStore, embeddings IEmbeddingStore, resolver IResolver, concurrency int, callTimeout time.Duration) *EmbeddingService {
	if concurrency <= 0 {
		concurrency = 1
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &EmbeddingService{
		contents:    contents,
		syntheses:   syntheses,
		embeddings:  embeddings,
		resolver:    resolver,
		concurrency: concurrency,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

type embedTarget struct {
	ref  model.DocumentRef
	text string
	hash string
}

// GenerateMissing embeds every record and synthesis that has no embedding for
// the resolved model, or whose text changed since it was embedded. Documents
// with an up to date embedding never reach the backend.
func (s *EmbeddingService) GenerateMissing(ctx context.Context, overrides ai.Overrides) (*model.EmbeddingReport, error) {
	res, err := s.resolver.Resolve(ai.PhaseEmbeddings, overrides.For(ai.PhaseEmbeddings))
	if err != nil {
		return nil, err
	}
	embedder := res.Embedder()
	modelName := embedder.ModelName()
	logger := logutil.GetLogger(ctx).With(zap.String("model", modelName))

	hashes, err := s.embeddings.ListHashes(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("list embedding hashes: %w", err)
	}
	targets, live, err := s.collectTargets(ctx)
	if err != nil {
		return nil, err
	}
	report := &model.EmbeddingReport{Model: modelName}
	var orphans []model.DocumentRef
	for ref := range hashes {
		if !live[ref] {
			orphans = append(orphans, ref)
		}
	}
	if len(orphans) > 0 {
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].Less(orphans[j]) })
		n, err := s.embeddings.DeleteByRefs(ctx, orphans)
		if err != nil {
			return nil, fmt.Errorf("prune embeddings: %w", err)
		}
		report.Pruned = n
	}
	var pending []embedTarget
	for _, t := range targets {
		if stored, ok := hashes[t.ref]; ok && stored == t.hash {
			report.Skipped++
			continue
		}
		pending = append(pending, t)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrencyFor(ctx, s.concurrency))
	for _, t := range pending {
		g.Go(func() error {
			err := s.embedOne(ctx, embedder, modelName, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, model.DocumentError{DocumentRef: t.ref, Error: err.Error()})
				logger.Warn("embed document failed", zap.String("document_type", string(t.ref.Type)), zap.String("document_id", t.ref.ID), zap.Error(err))
				return nil
			}
			report.Generated++
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].DocumentRef.Less(report.Errors[j].DocumentRef)
	})
	logger.Info("embedding generation finished",
		zap.Int("generated", report.Generated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("pruned", report.Pruned),
	)
	return report, nil
}

// collectTargets returns the embeddable documents and the set of every
// document that currently exists, embeddable or not.
func (s *EmbeddingService) collectTargets(ctx context.Context) ([]embedTarget, map[model.DocumentRef]bool, error) {
	records, err := s.contents.ListAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list records: %w", err)
	}
	docs, err := s.syntheses.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list syntheses: %w", err)
	}
	out := make([]embedTarget, 0, len(records)+len(docs))
	live := make(map[model.DocumentRef]bool, len(records)+len(docs))
	for _, rec := range records {
		ref := model.DocumentRef{Type: model.DocumentTypeContent, ID: rec.ID}
		live[ref] = true
		text := strings.TrimSpace(rec.EmbeddingText())
		if text == "" {
			continue
		}
		out = append(out, embedTarget{ref: ref, text: text, hash: hashutil.Sum(text)})
	}
	for _, doc := range docs {
		ref := model.DocumentRef{Type: model.DocumentTypeSynthesis, ID: doc.ID}
		live[ref] = true
		text := synthesisEmbeddingText(doc)
		if text == "" {
			continue
		}
		out = append(out, embedTarget{ref: ref, text: text, hash: hashutil.Sum(text)})
	}
	return out, live, nil
}

func synthesisEmbeddingText(doc *model.SynthesisDocument) string {
	if doc.Summary != "" {
		return strings.TrimSpace(doc.EmbeddingText())
	}
	return strings.TrimSpace(mdtext.PlainText(doc.Content))
}

func (s *EmbeddingService) embedOne(ctx context.Context, embedder ai.IEmbedder, modelName string, t embedTarget) error {
	var vec []float32
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		vec, err = embedder.Embed(cctx, t.text, taskTypeDocument)
		return err
	}); err != nil {
		return err
	}
	return callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		return s.embeddings.Upsert(cctx, &model.Embedding{
			DocumentType: t.ref.Type,
			DocumentID:   t.ref.ID,
			Model:        modelName,
			Embedding:    vec,
			ContentHash:  t.hash,
			Mtime:        s.now().UnixMilli(),
		})
	})
}

// FindSimilar ranks the stored embeddings of the resolved model by cosine
// similarity to query. Embeddings of deleted documents and vectors with
// non-finite values are ignored. Equal scores are ordered by document id.
func (s *EmbeddingService) FindSimilar(ctx context.Context, query string, topK int, minScore *float64, overrides ai.Overrides) ([]model.SimilarityMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required: %w", appErr.ErrInvalid)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	res, err := s.resolver.Resolve(ai.PhaseEmbeddings, overrides.For(ai.PhaseEmbeddings))
	if err != nil {
		return nil, err
	}
	embedder := res.Embedder()
	var queryVec []float32
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		queryVec, err = embedder.Embed(cctx, query, taskTypeQuery)
		return err
	}); err != nil {
		return nil, err
	}
	if !finiteVector(queryVec) {
		return nil, &ai.EmbeddingError{Provider: res.Provider, Model: embedder.ModelName(), Err: fmt.Errorf("query vector has non-finite values: %w", appErr.ErrBadResponse)}
	}
	stored, err := s.embeddings.ListByModel(ctx, embedder.ModelName())
	if err != nil {
		return nil, err
	}
	_, live, err := s.collectTargets(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]model.SimilarityMatch, 0, len(stored))
	for _, emb := range stored {
		if !live[emb.Ref()] || len(emb.Embedding) != len(queryVec) || !finiteVector(emb.Embedding) {
			continue
		}
		score := cosineSimilarity(queryVec, emb.Embedding)
		if math.IsNaN(score) || (minScore != nil && score < *minScore) {
			continue
		}
		matches = append(matches, model.SimilarityMatch{DocumentRef: emb.Ref(), Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocumentRef.Less(matches[j].DocumentRef)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	logutil.GetLogger(ctx).Debug("similarity search", zap.Int("candidates", len(stored)), zap.Int("matches", len(matches)))
	return matches, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func finiteVector(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
