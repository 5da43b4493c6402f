package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/source"
)

const titleMaxRunes = 80

// SubPhaseProcessor runs a single enrichment step for a single record.
// It never touches any record other than the one it was asked about.
type SubPhaseProcessor struct {
	contents    IContentStore
	src         source.Source
	resolver    IResolver
	manager     *ai.Manager
	callTimeout time.Duration
	now         func() time.Time
}

func NewSubPhaseProcessor(contents IContentStore, src source.Source, resolver IResolver, manager *ai.Manager, callTimeout time.Duration) *SubPhaseProcessor {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &SubPhaseProcessor{
		contents:    contents,
		src:         src,
		resolver:    resolver,
		manager:     manager,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// Run executes phase for the record. A completed phase is skipped unless
// force is set; the categorization precondition holds regardless of force.
func (p *SubPhaseProcessor) Run(ctx context.Context, recordID string, phase model.SubPhase, force bool, overrides ai.Overrides) model.SubPhaseResult {
	start := p.now()
	logger := logutil.GetLogger(ctx).With(zap.String("record_id", recordID), zap.String("sub_phase", string(phase)))
	res := model.SubPhaseResult{Phase: phase}
	finish := func(status model.Status, detail string, err error) model.SubPhaseResult {
		res.Status = status
		res.Detail = detail
		if err != nil {
			res.Error = err.Error()
		}
		res.DurationMs = durationMs(start, p.now())
		switch status {
		case model.StatusFailed:
			logger.Warn("sub-phase failed", zap.String("detail", detail), zap.Error(err))
		case model.StatusSkipped:
			logger.Debug("sub-phase skipped", zap.String("detail", detail))
		default:
			logger.Debug("sub-phase completed", zap.String("detail", detail), zap.Int64("duration_ms", res.DurationMs))
		}
		return res
	}

	var rec *model.ContentRecord
	err := p.call(ctx, func(cctx context.Context) error {
		var err error
		rec, err = p.contents.GetByID(cctx, recordID)
		return err
	})
	if err != nil {
		return finish(model.StatusFailed, "load record", err)
	}
	next, err := rec.Flags.Mark(phase)
	if err != nil {
		return finish(model.StatusFailed, "precondition", err)
	}
	if rec.Flags.Has(phase) && !force {
		return finish(model.StatusSkipped, "already done", nil)
	}

	var detail string
	switch phase {
	case model.SubPhaseBookmarkCache:
		detail, err = p.cacheBookmark(ctx, rec)
	case model.SubPhaseMediaAnalysis:
		detail, err = p.analyzeMedia(ctx, rec, overrides)
	case model.SubPhaseContentUnderstanding:
		detail, err = p.understand(ctx, rec, overrides)
	case model.SubPhaseCategorization:
		detail, err = p.categorize(ctx, rec, overrides)
	}
	if err != nil {
		return finish(model.StatusFailed, detail, err)
	}
	rec.Flags = next
	res.Model = recordModel(phase, rec)
	return finish(model.StatusCompleted, detail, nil)
}

func (p *SubPhaseProcessor) cacheBookmark(ctx context.Context, rec *model.ContentRecord) (string, error) {
	if p.src == nil {
		return "bookmark source", fmt.Errorf("no bookmark source configured")
	}
	var item *model.ItemData
	var thread *model.ThreadInfo
	err := p.call(ctx, func(cctx context.Context) error {
		var err error
		if item, err = p.src.GetItem(cctx, rec.SourceID); err != nil {
			return err
		}
		thread, err = p.src.DetectThread(cctx, rec.SourceID)
		return err
	})
	if err != nil {
		return "fetch bookmark", err
	}
	applyItem(rec, item, thread)
	rec.Mtime = p.now().UnixMilli()
	if err := p.call(ctx, func(cctx context.Context) error {
		return p.contents.SaveBookmarkCache(cctx, rec)
	}); err != nil {
		return "save bookmark", err
	}
	if thread != nil {
		return fmt.Sprintf("cached thread of %d items", len(thread.Items)), nil
	}
	return "cached", nil
}

// applyItem copies the source payload onto rec. A thread contributes the
// concatenated text and media of all its members, in thread order.
func applyItem(rec *model.ContentRecord, item *model.ItemData, thread *model.ThreadInfo) {
	rec.Author = item.Author
	rec.URL = item.URL
	rec.Engagement = item.Metrics
	rec.SourceCtime = item.CreatedAt.UnixMilli()
	rec.Text = item.Text
	rec.Media = append([]model.MediaItem(nil), item.Media...)
	rec.IsThread = false
	rec.ThreadIDs = nil
	if thread != nil && len(thread.Items) > 1 {
		rec.IsThread = true
		rec.ThreadIDs = thread.ItemIDs()
		texts := make([]string, 0, len(thread.Items))
		var media []model.MediaItem
		for _, it := range thread.Items {
			texts = append(texts, strings.TrimSpace(it.Text))
			media = append(media, it.Media...)
		}
		rec.Text = strings.Join(texts, "\n\n")
		rec.Media = media
	}
	rec.Title = deriveTitle(rec.Text)
}

func deriveTitle(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	runes := []rune(line)
	if len(runes) > titleMaxRunes {
		return strings.TrimSpace(string(runes[:titleMaxRunes])) + "..."
	}
	return line
}

func (p *SubPhaseProcessor) analyzeMedia(ctx context.Context, rec *model.ContentRecord, overrides ai.Overrides) (string, error) {
	var photos []model.MediaItem
	for _, m := range rec.Media {
		if m.Type == model.MediaTypePhoto && m.URL != "" {
			photos = append(photos, m)
		}
	}
	now := p.now().UnixMilli()
	if len(photos) == 0 {
		rec.MediaAnalysis = nil
		rec.VisionModel = ""
		if err := p.call(ctx, func(cctx context.Context) error {
			return p.contents.SaveMediaAnalysis(cctx, rec.ID, nil, "", now)
		}); err != nil {
			return "save media analysis", err
		}
		return "no media", nil
	}
	res, err := p.resolver.Resolve(ai.PhaseVision, overrides.For(ai.PhaseVision))
	if err != nil {
		return "resolve vision model", err
	}
	findings := make([]model.MediaFinding, 0, len(photos))
	for i, m := range photos {
		var desc string
		err := p.call(ctx, func(cctx context.Context) error {
			var err error
			desc, err = p.manager.AnalyzeMedia(cctx, res.Generator(), rec, m)
			return err
		})
		if err != nil {
			return fmt.Sprintf("analyze media %d/%d", i+1, len(photos)), err
		}
		findings = append(findings, model.MediaFinding{URL: m.URL, Type: m.Type, Description: desc})
	}
	if err := p.call(ctx, func(cctx context.Context) error {
		return p.contents.SaveMediaAnalysis(cctx, rec.ID, findings, res.Model, now)
	}); err != nil {
		return "save media analysis", err
	}
	rec.MediaAnalysis = findings
	rec.VisionModel = res.Model
	return fmt.Sprintf("analyzed %d media", len(findings)), nil
}

func (p *SubPhaseProcessor) understand(ctx context.Context, rec *model.ContentRecord, overrides ai.Overrides) (string, error) {
	res, err := p.resolver.Resolve(ai.PhaseKBGeneration, overrides.For(ai.PhaseKBGeneration))
	if err != nil {
		return "resolve understanding model", err
	}
	var text string
	if err := p.call(ctx, func(cctx context.Context) error {
		var err error
		text, err = p.manager.Understand(cctx, res.Generator(), rec)
		return err
	}); err != nil {
		return "generate understanding", err
	}
	if err := p.call(ctx, func(cctx context.Context) error {
		return p.contents.SaveUnderstanding(cctx, rec.ID, text, res.Model, p.now().UnixMilli())
	}); err != nil {
		return "save understanding", err
	}
	rec.CollectiveUnderstanding = text
	rec.UnderstandingModel = res.Model
	return "understood", nil
}

func (p *SubPhaseProcessor) categorize(ctx context.Context, rec *model.ContentRecord, overrides ai.Overrides) (string, error) {
	res, err := p.resolver.Resolve(ai.PhaseKBGeneration, overrides.For(ai.PhaseKBGeneration))
	if err != nil {
		return "resolve categorization model", err
	}
	var counts []model.CategoryCount
	if err := p.call(ctx, func(cctx context.Context) error {
		var err error
		counts, err = p.contents.CountByCategory(cctx)
		return err
	}); err != nil {
		return "load categories", err
	}
	known := make([]model.CategoryKey, 0, len(counts))
	for _, c := range counts {
		known = append(known, c.CategoryKey)
	}
	var key model.CategoryKey
	if err := p.call(ctx, func(cctx context.Context) error {
		var err error
		key, err = p.manager.Categorize(cctx, res.Generator(), rec, known)
		return err
	}); err != nil {
		return "generate category", err
	}
	if err := p.call(ctx, func(cctx context.Context) error {
		return p.contents.SaveCategorization(cctx, rec.ID, key, res.Model, p.now().UnixMilli())
	}); err != nil {
		return "save category", err
	}
	rec.MainCategory, rec.SubCategory = key.Main, key.Sub
	rec.CategorizationModel = res.Model
	return key.String(), nil
}

func (p *SubPhaseProcessor) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return callWithTimeout(ctx, p.callTimeout, fn)
}

// callWithTimeout bounds one external operation. A deadline hit is reported
// as context.DeadlineExceeded even when the callee wraps it differently.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func recordModel(phase model.SubPhase, rec *model.ContentRecord) string {
	switch phase {
	case model.SubPhaseMediaAnalysis:
		return rec.VisionModel
	case model.SubPhaseContentUnderstanding:
		return rec.UnderstandingModel
	case model.SubPhaseCategorization:
		return rec.CategorizationModel
	}
	return ""
}
