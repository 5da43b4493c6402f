package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

const defaultMinItemsPerCategory = 3

type SynthesisService struct {
	contents    IContentStore
	syntheses   ISynthesisStore
	resolver    IResolver
	manager     *ai.Manager
	concurrency int
	callTimeout time.Duration
	now         func() time.Time
}

func NewSynthesisService(contents IContentStore, syntheses ISynthesisStore, resolver IResolver, manager *ai.Manager, concurrency int, callTimeout time.Duration) *SynthesisService {
	if concurrency <= 0 {
		concurrency = 1
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &SynthesisService{
		contents:    contents,
		syntheses:   syntheses,
		resolver:    resolver,
		manager:     manager,
		concurrency: concurrency,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// GenerateForEligibleCategories writes one synthesis per category holding at
// least minItems records. Existing documents are left untouched unless force
// is set. A failing category never stops the others.
func (s *SynthesisService) GenerateForEligibleCategories(ctx context.Context, minItems int, force bool, overrides ai.Overrides) (*model.SynthesisReport, error) {
	if minItems <= 0 {
		minItems = defaultMinItemsPerCategory
	}
	logger := logutil.GetLogger(ctx)
	var counts []model.CategoryCount
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		counts, err = s.contents.CountByCategory(cctx)
		return err
	}); err != nil {
		return nil, err
	}
	report := &model.SynthesisReport{}
	var eligible []model.CategoryCount
	for _, c := range counts {
		if c.Count < minItems {
			report.Skipped = append(report.Skipped, model.SynthesisOutcome{CategoryKey: c.CategoryKey, SourceCount: c.Count, Reason: model.SynthesisSkipIneligible})
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		logger.Info("no category eligible for synthesis", zap.Int("categories", len(counts)), zap.Int("min_items", minItems))
		return report, nil
	}
	var res *ai.Resolution
	resolveErr := func() error {
		var err error
		res, err = s.resolver.Resolve(ai.PhaseSynthesis, overrides.For(ai.PhaseSynthesis))
		return err
	}()

	outcomes := make([]model.SynthesisOutcome, len(eligible))
	generated := make([]bool, len(eligible))
	var g errgroup.Group
	g.SetLimit(concurrencyFor(ctx, s.concurrency))
	for i, c := range eligible {
		g.Go(func() error {
			outcomes[i] = model.SynthesisOutcome{CategoryKey: c.CategoryKey, SourceCount: c.Count}
			skipped, count, err := s.generateOne(ctx, c.CategoryKey, force, res, resolveErr)
			switch {
			case err != nil:
				outcomes[i].Error = err.Error()
				logger.Warn("synthesis failed", zap.String("category", c.String()), zap.Error(err))
			case skipped:
				outcomes[i].Reason = model.SynthesisSkipAlreadyExists
				logger.Debug("synthesis exists", zap.String("category", c.String()))
			default:
				outcomes[i].SourceCount = count
				generated[i] = true
				logger.Info("synthesis generated", zap.String("category", c.String()), zap.Int("source_count", count))
			}
			return nil
		})
	}
	_ = g.Wait()
	for i, o := range outcomes {
		switch {
		case o.Error != "":
			report.Failed = append(report.Failed, o)
		case generated[i]:
			report.Generated = append(report.Generated, o)
		default:
			report.Skipped = append(report.Skipped, o)
		}
	}
	return report, nil
}

func (s *SynthesisService) generateOne(ctx context.Context, key model.CategoryKey, force bool, res *ai.Resolution, resolveErr error) (bool, int, error) {
	var existing *model.SynthesisDocument
	err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		existing, err = s.syntheses.Get(cctx, key)
		return err
	})
	if err != nil && !appErr.IsNotFound(err) {
		return false, 0, err
	}
	if existing != nil && !force {
		return true, 0, nil
	}
	if resolveErr != nil {
		return false, 0, resolveErr
	}
	var records []*model.ContentRecord
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		records, err = s.contents.ListByCategory(cctx, key)
		return err
	}); err != nil {
		return false, 0, err
	}
	var draft *ai.SynthesisDraft
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		var err error
		draft, err = s.manager.Synthesize(cctx, res.Generator(), key, records)
		return err
	}); err != nil {
		return false, 0, err
	}
	now := s.now().UnixMilli()
	doc := &model.SynthesisDocument{
		ID:           newID(),
		MainCategory: key.Main,
		SubCategory:  key.Sub,
		Title:        draft.Title,
		Content:      draft.Content,
		Summary:      draft.Summary,
		KeyInsights:  draft.KeyInsights,
		SourceCount:  len(records),
		Model:        res.Model,
		Ctime:        now,
		Mtime:        now,
	}
	for _, rec := range records {
		doc.SourceContentIDs = append(doc.SourceContentIDs, rec.ID)
	}
	if existing != nil {
		doc.ID = existing.ID
		doc.Ctime = existing.Ctime
	}
	if err := callWithTimeout(ctx, s.callTimeout, func(cctx context.Context) error {
		return s.syntheses.Upsert(cctx, doc)
	}); err != nil {
		return false, 0, err
	}
	return false, doc.SourceCount, nil
}

type StaleReport struct {
	Marked  []model.CategoryKey `json:"marked"`
	Cleared []model.CategoryKey `json:"cleared"`
}

// MarkStale flags syntheses whose category fell below minItems and clears the
// flag on those eligible again. Documents are never deleted.
func (s *SynthesisService) MarkStale(ctx context.Context, minItems int) (*StaleReport, error) {
	if minItems <= 0 {
		minItems = defaultMinItemsPerCategory
	}
	docs, err := s.syntheses.List(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.contents.CountByCategory(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.CategoryKey]int, len(counts))
	for _, c := range counts {
		byKey[c.CategoryKey] = c.Count
	}
	report := &StaleReport{}
	now := s.now().UnixMilli()
	for _, doc := range docs {
		key := doc.Category()
		stale := byKey[key] < minItems
		if stale == doc.IsStale {
			continue
		}
		if err := s.syntheses.SetStale(ctx, key, stale, now); err != nil {
			return report, err
		}
		if stale {
			report.Marked = append(report.Marked, key)
		} else {
			report.Cleared = append(report.Cleared, key)
		}
	}
	logutil.GetLogger(ctx).Info("synthesis staleness updated", zap.Int("marked", len(report.Marked)), zap.Int("cleared", len(report.Cleared)))
	return report, nil
}

func (s *SynthesisService) List(ctx context.Context) ([]*model.SynthesisDocument, error) {
	return s.syntheses.List(ctx)
}
