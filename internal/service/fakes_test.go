package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/source"
)

type fakeContentStore struct {
	mu      sync.Mutex
	records map[string]*model.ContentRecord
	writes  int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{records: make(map[string]*model.ContentRecord)}
}

func cloneRecord(rec *model.ContentRecord) *model.ContentRecord {
	out := *rec
	out.Media = append([]model.MediaItem(nil), rec.Media...)
	out.MediaAnalysis = append([]model.MediaFinding(nil), rec.MediaAnalysis...)
	out.ThreadIDs = append([]string(nil), rec.ThreadIDs...)
	return &out
}

func (s *fakeContentStore) Create(ctx context.Context, rec *model.ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SourceType == rec.SourceType && r.SourceID == rec.SourceID {
			return appErr.ErrConflict
		}
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.writes++
	return nil
}

func (s *fakeContentStore) GetByID(ctx context.Context, id string) (*model.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *fakeContentStore) GetBySource(ctx context.Context, sourceType, sourceID string) (*model.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SourceType == sourceType && r.SourceID == sourceID {
			return cloneRecord(r), nil
		}
	}
	return nil, appErr.ErrNotFound
}

func (s *fakeContentStore) filter(fn func(*model.ContentRecord) bool) []*model.ContentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ContentRecord
	for _, r := range s.records {
		if fn(r) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fakeContentStore) ListAll(ctx context.Context) ([]*model.ContentRecord, error) {
	return s.filter(func(*model.ContentRecord) bool { return true }), nil
}

func (s *fakeContentStore) ListIncomplete(ctx context.Context, sourceType string) ([]*model.ContentRecord, error) {
	return s.filter(func(r *model.ContentRecord) bool {
		return r.SourceType == sourceType && !r.Flags.Complete()
	}), nil
}

func (s *fakeContentStore) ListByIDs(ctx context.Context, ids []string) ([]*model.ContentRecord, error) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return s.filter(func(r *model.ContentRecord) bool { return set[r.ID] }), nil
}

func (s *fakeContentStore) ListByCategory(ctx context.Context, key model.CategoryKey) ([]*model.ContentRecord, error) {
	return s.filter(func(r *model.ContentRecord) bool {
		return r.Flags.Has(model.SubPhaseCategorization) && r.Category() == key
	}), nil
}

func (s *fakeContentStore) mutate(id string, fn func(r *model.ContentRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return appErr.ErrNotFound
	}
	if err := fn(rec); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (s *fakeContentStore) ResetFlags(ctx context.Context, id string, mtime int64) error {
	return s.mutate(id, func(r *model.ContentRecord) error {
		r.Flags = r.Flags.Reset()
		r.Mtime = mtime
		return nil
	})
}

func (s *fakeContentStore) SaveBookmarkCache(ctx context.Context, rec *model.ContentRecord) error {
	return s.mutate(rec.ID, func(r *model.ContentRecord) error {
		flags := r.Flags | model.FlagBookmarkCached
		cp := cloneRecord(rec)
		*r = *cp
		r.Flags = flags
		return nil
	})
}

func (s *fakeContentStore) SaveMediaAnalysis(ctx context.Context, id string, findings []model.MediaFinding, modelName string, mtime int64) error {
	return s.mutate(id, func(r *model.ContentRecord) error {
		r.MediaAnalysis = append([]model.MediaFinding(nil), findings...)
		r.VisionModel = modelName
		r.Flags |= model.FlagMediaAnalyzed
		r.Mtime = mtime
		return nil
	})
}

func (s *fakeContentStore) SaveUnderstanding(ctx context.Context, id string, understanding string, modelName string, mtime int64) error {
	return s.mutate(id, func(r *model.ContentRecord) error {
		r.CollectiveUnderstanding = understanding
		r.UnderstandingModel = modelName
		r.Flags |= model.FlagContentUnderstood
		r.Mtime = mtime
		return nil
	})
}

func (s *fakeContentStore) SaveCategorization(ctx context.Context, id string, key model.CategoryKey, modelName string, mtime int64) error {
	return s.mutate(id, func(r *model.ContentRecord) error {
		flags, err := r.Flags.Mark(model.SubPhaseCategorization)
		if err != nil {
			return err
		}
		r.MainCategory, r.SubCategory = key.Main, key.Sub
		r.CategorizationModel = modelName
		r.Flags = flags
		r.Mtime = mtime
		return nil
	})
}

func (s *fakeContentStore) CountByCategory(ctx context.Context) ([]model.CategoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[model.CategoryKey]int{}
	for _, r := range s.records {
		if r.Flags.Has(model.SubPhaseCategorization) && !r.Category().Empty() {
			counts[r.Category()]++
		}
	}
	out := make([]model.CategoryCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.CategoryCount{CategoryKey: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *fakeContentStore) Stats(ctx context.Context) (*model.ContentStats, error) {
	cats, _ := s.CountByCategory(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &model.ContentStats{Total: len(s.records), Categories: cats}
	for _, r := range s.records {
		if r.FullyProcessed() {
			stats.FullyProcessed++
		}
	}
	return stats, nil
}

func (s *fakeContentStore) Ping(ctx context.Context) error {
	return nil
}

func (s *fakeContentStore) bySource(t *testing.T, sourceID string) *model.ContentRecord {
	rec, err := s.GetBySource(context.Background(), model.SourceTypeTwitter, sourceID)
	require.NoError(t, err)
	return rec
}

func (s *fakeContentStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeSynthesisStore struct {
	mu   sync.Mutex
	docs map[model.CategoryKey]*model.SynthesisDocument
}

func newFakeSynthesisStore() *fakeSynthesisStore {
	return &fakeSynthesisStore{docs: make(map[model.CategoryKey]*model.SynthesisDocument)}
}

func (s *fakeSynthesisStore) Get(ctx context.Context, key model.CategoryKey) (*model.SynthesisDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *fakeSynthesisStore) List(ctx context.Context) ([]*model.SynthesisDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.SynthesisDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		cp := *doc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category().String() < out[j].Category().String() })
	return out, nil
}

func (s *fakeSynthesisStore) Upsert(ctx context.Context, doc *model.SynthesisDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	if old, ok := s.docs[doc.Category()]; ok {
		cp.ID = old.ID
		cp.Ctime = old.Ctime
	}
	s.docs[doc.Category()] = &cp
	return nil
}

func (s *fakeSynthesisStore) SetStale(ctx context.Context, key model.CategoryKey, stale bool, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return appErr.ErrNotFound
	}
	doc.IsStale = stale
	doc.Mtime = mtime
	return nil
}

type fakeEmbeddingStore struct {
	mu    sync.Mutex
	items map[string]*model.Embedding
}

func newFakeEmbeddingStore() *fakeEmbeddingStore {
	return &fakeEmbeddingStore{items: make(map[string]*model.Embedding)}
}

func embeddingKey(t model.DocumentType, id, modelName string) string {
	return string(t) + "|" + id + "|" + modelName
}

func (s *fakeEmbeddingStore) Upsert(ctx context.Context, emb *model.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *emb
	s.items[embeddingKey(emb.DocumentType, emb.DocumentID, emb.Model)] = &cp
	return nil
}

func (s *fakeEmbeddingStore) ListHashes(ctx context.Context, modelName string) (map[model.DocumentRef]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.DocumentRef]string{}
	for _, e := range s.items {
		if e.Model == modelName {
			out[e.Ref()] = e.ContentHash
		}
	}
	return out, nil
}

func (s *fakeEmbeddingStore) ListByModel(ctx context.Context, modelName string) ([]*model.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Embedding
	for _, e := range s.items {
		if e.Model == modelName {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().Less(out[j].Ref()) })
	return out, nil
}

func (s *fakeEmbeddingStore) DeleteByRefs(ctx context.Context, refs []model.DocumentRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[model.DocumentRef]bool, len(refs))
	for _, ref := range refs {
		drop[ref] = true
	}
	var n int
	for k, e := range s.items {
		if drop[e.Ref()] {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeEmbeddingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]model.PipelineRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]model.PipelineRun)}
}

func (s *fakeRunStore) Save(ctx context.Context, run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *fakeRunStore) Get(ctx context.Context, id string) (*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &run, nil
}

// fakeSource serves a fixed list of items. Items listed in hang block until
// the caller's deadline expires.
type fakeSource struct {
	mu        sync.Mutex
	items     []model.ItemData
	hang      map[string]bool
	itemErrs  map[string]error
	breakAt   int
	stallAt   int
	available bool
}

func newFakeSource(items ...model.ItemData) *fakeSource {
	return &fakeSource{items: items, hang: map[string]bool{}, itemErrs: map[string]error{}, breakAt: -1, stallAt: -1, available: true}
}

func (s *fakeSource) Name() string {
	return "fake"
}

func (s *fakeSource) IsAvailable(ctx context.Context) bool {
	return s.available
}

func (s *fakeSource) GetItem(ctx context.Context, id string) (*model.ItemData, error) {
	s.mu.Lock()
	hang := s.hang[id]
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, it := range s.items {
		if it.ID == id {
			cp := it
			return &cp, nil
		}
	}
	return nil, appErr.ErrNotFound
}

func (s *fakeSource) DetectThread(ctx context.Context, id string) (*model.ThreadInfo, error) {
	return nil, nil
}

func (s *fakeSource) Stream(ctx context.Context, limit int) iter.Seq2[*model.ItemData, error] {
	return func(yield func(*model.ItemData, error) bool) {
		for i, it := range s.items {
			if limit > 0 && i >= limit {
				return
			}
			if s.breakAt == i {
				yield(nil, fmt.Errorf("%w: connection reset", source.ErrStreamBroken))
				return
			}
			if s.stallAt == i {
				<-ctx.Done()
				yield(nil, fmt.Errorf("%w: %w", source.ErrStreamBroken, ctx.Err()))
				return
			}
			cp := it
			if err := s.itemErrs[it.ID]; err != nil {
				if !yield(&cp, err) {
					return
				}
				continue
			}
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

var categoryMarker = regexp.MustCompile(`\[cat:([^/\]]+)/([^\]]+)\]`)

// fakeProvider answers each prompt kind with canned output. Categories are
// read from a [cat:Main/Sub] marker in the post text.
type fakeProvider struct {
	mu       sync.Mutex
	calls    map[string]int
	embeds   int
	failKind map[string]bool
	failText string
	vectors  map[string][]float32
	// gate, when set, runs before every generate call outside the lock.
	gate func(ctx context.Context, kind string) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{calls: map[string]int{}, failKind: map[string]bool{}, vectors: map[string][]float32{}}
}

func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "analysing an image"):
		return "vision"
	case strings.Contains(prompt, "Explain the saved post"):
		return "understand"
	case strings.Contains(prompt, "two level taxonomy"):
		return "categorize"
	case strings.Contains(prompt, "synthesis page"):
		return "synthesis"
	case strings.Contains(prompt, "README.md landing page"):
		return "readme"
	}
	return "unknown"
}

func (p *fakeProvider) Name() string {
	return "fake"
}

func (p *fakeProvider) Generate(ctx context.Context, req *ai.GenerateRequest) (string, error) {
	kind := promptKind(req.Prompt)
	p.mu.Lock()
	p.calls[kind]++
	fail := p.failKind[kind] || (p.failText != "" && strings.Contains(req.Prompt, p.failText))
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		if err := gate(ctx, kind); err != nil {
			return "", err
		}
	}
	if fail {
		return "", errors.New("backend unavailable")
	}
	switch kind {
	case "vision":
		return "a diagram", nil
	case "understand":
		post := req.Prompt[strings.Index(req.Prompt, "POST:\n")+len("POST:\n"):]
		post = post[:strings.Index(post, "\n\nMEDIA:")]
		return "understanding of " + post, nil
	case "categorize":
		if m := categoryMarker.FindStringSubmatch(req.Prompt); m != nil {
			return fmt.Sprintf(`{"main_category": %q, "sub_category": %q}`, m[1], m[2]), nil
		}
		return `{"main_category": "Misc", "sub_category": "General"}`, nil
	case "synthesis":
		raw, _ := json.Marshal(map[string]interface{}{
			"title":        "Synthesis",
			"summary":      "summary of items",
			"key_insights": []string{"one", "two", "one"},
			"content":      "## Overview\n\nShared themes.",
		})
		return string(raw), nil
	case "readme":
		return "# Knowledge Base", nil
	}
	return "", errors.New("unexpected prompt")
}

func (p *fakeProvider) Embed(ctx context.Context, modelName string, text string, taskType string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embeds++
	if p.failText != "" && strings.Contains(text, p.failText) {
		return nil, errors.New("embedding backend unavailable")
	}
	if v, ok := p.vectors[text]; ok {
		return v, nil
	}
	return []float32{float32(len(text)%5 + 1), float32(strings.Count(text, "a") + 1), 1}, nil
}

func (p *fakeProvider) callCount(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[kind]
}

func (p *fakeProvider) embedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embeds
}

func newFakeGateway(t *testing.T, p *fakeProvider) *ai.Gateway {
	routes := map[ai.LogicalPhase][]ai.Route{}
	for _, phase := range ai.LogicalPhases {
		routes[phase] = []ai.Route{{Provider: "fake", Model: "fake-" + string(phase)}}
	}
	gw, err := ai.NewGateway(map[string]ai.IProvider{"fake": p}, routes)
	require.NoError(t, err)
	return gw
}

type fakeExporter struct {
	mu      sync.Mutex
	calls   int
	records int
	readme  *model.Readme
	err     error
}

func (e *fakeExporter) ExportAndCommit(ctx context.Context, records []*model.ContentRecord, syntheses []*model.SynthesisDocument, readme *model.Readme) (*model.ExportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.records = len(records)
	e.readme = readme
	if e.err != nil {
		return nil, e.err
	}
	return &model.ExportResult{CommitRef: "abc123", FilesWritten: len(records) + len(syntheses) + 1}, nil
}

type harness struct {
	contents   *fakeContentStore
	syntheses  *fakeSynthesisStore
	embeddings *fakeEmbeddingStore
	runs       *fakeRunStore
	src        *fakeSource
	provider   *fakeProvider
	gateway    *ai.Gateway
	processor  *SubPhaseProcessor
	pipeline   *ContentPipeline
	synthesis  *SynthesisService
	embedder   *EmbeddingService
	readme     *ReadmeService
	exporter   *fakeExporter
	sink       *MemorySink
	coord      *Coordinator
}

func newHarness(t *testing.T, mode model.ExecMode, items ...model.ItemData) *harness {
	h := &harness{
		contents:   newFakeContentStore(),
		syntheses:  newFakeSynthesisStore(),
		embeddings: newFakeEmbeddingStore(),
		runs:       newFakeRunStore(),
		src:        newFakeSource(items...),
		provider:   newFakeProvider(),
		exporter:   &fakeExporter{},
		sink:       NewMemorySink(512, 8),
	}
	timeout := 200 * time.Millisecond
	h.gateway = newFakeGateway(t, h.provider)
	manager := ai.NewManager(ai.ManagerConfig{})
	h.processor = NewSubPhaseProcessor(h.contents, h.src, h.gateway, manager, timeout)
	h.pipeline = NewContentPipeline(h.contents, h.src, h.processor, ContentPipelineConfig{Concurrency: 4, Mode: mode, CallTimeout: timeout})
	h.synthesis = NewSynthesisService(h.contents, h.syntheses, h.gateway, manager, 2, timeout)
	h.embedder = NewEmbeddingService(h.contents, h.syntheses, h.embeddings, h.gateway, 2, timeout)
	h.readme = NewReadmeService(h.contents, h.syntheses, h.gateway, manager, timeout)
	h.coord = NewCoordinator(CoordinatorDeps{
		Contents:   h.contents,
		Source:     h.src,
		Resolver:   h.gateway,
		Pipeline:   h.pipeline,
		Synthesis:  h.synthesis,
		Embeddings: h.embedder,
		Readme:     h.readme,
		Exporter:   h.exporter,
		Runs:       h.runs,
		Sink:       h.sink,
	}, CoordinatorConfig{MinItemsPerCategory: 3, MaxResults: 100, CallTimeout: timeout})
	return h
}

func item(id, text string, media ...model.MediaItem) model.ItemData {
	return model.ItemData{
		ID:        id,
		Text:      text,
		Author:    "alice",
		URL:       "https://x.com/alice/status/" + id,
		Media:     media,
		Metrics:   model.Engagement{Likes: 3},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func photo(url string) model.MediaItem {
	return model.MediaItem{Type: model.MediaTypePhoto, URL: url}
}

func statuses(res *model.ItemResult) map[model.SubPhase]model.Status {
	out := map[model.SubPhase]model.Status{}
	for _, s := range res.SubPhases {
		out[s.Phase] = s.Status
	}
	return out
}
