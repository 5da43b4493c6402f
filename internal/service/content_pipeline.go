package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/source"
)

type ProcessOptions struct {
	ForceRefresh bool
	Overrides    ai.Overrides
	Mode         model.ExecMode
	// OnItem is called once per finished item; it must be safe for
	// concurrent use in async mode.
	OnItem func(*model.ItemResult)
}

type ContentPipelineConfig struct {
	SourceType  string
	Concurrency int
	Mode        model.ExecMode
	CallTimeout time.Duration
}

// ContentPipeline drives the sub-phase processor over one or many records.
type ContentPipeline struct {
	contents    IContentStore
	src         source.Source
	processor   *SubPhaseProcessor
	sourceType  string
	concurrency int
	mode        model.ExecMode
	callTimeout time.Duration
	now         func() time.Time
}

func NewContentPipeline(contents IContentStore, src source.Source, processor *SubPhaseProcessor, cfg ContentPipelineConfig) *ContentPipeline {
	if cfg.SourceType == "" {
		cfg.SourceType = model.SourceTypeTwitter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = model.ModeAsync
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &ContentPipeline{
		contents:    contents,
		src:         src,
		processor:   processor,
		sourceType:  cfg.SourceType,
		concurrency: cfg.Concurrency,
		mode:        cfg.Mode,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
	}
}

func (c *ContentPipeline) SourceType() string {
	return c.sourceType
}

func (c *ContentPipeline) DefaultMode() model.ExecMode {
	return c.mode
}

// ProcessItem resolves or creates the record for externalID and runs the
// four sub-phases on it. A new record is only created when the bookmark
// source does not report the id as missing.
func (c *ContentPipeline) ProcessItem(ctx context.Context, externalID string, opts ProcessOptions) (*model.ItemResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("external id is required: %w", appErr.ErrInvalid)
	}
	if opts.Mode == "" {
		opts.Mode = c.mode
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q: %w", opts.Mode, appErr.ErrInvalid)
	}
	if err := c.ensureKnown(ctx, externalID); err != nil {
		return nil, err
	}
	rec, _, err := c.upsertRecord(ctx, externalID, opts.ForceRefresh)
	if err != nil {
		return nil, fmt.Errorf("upsert record %s: %w", externalID, err)
	}
	res := c.processRecord(ctx, rec, opts)
	if opts.OnItem != nil {
		opts.OnItem(res)
	}
	return res, nil
}

// ensureKnown rejects an id that has no record and that the bookmark source
// reports as not found. Other source errors are left to the bookmark cache
// sub-phase so the record is retried by later runs.
func (c *ContentPipeline) ensureKnown(ctx context.Context, externalID string) error {
	err := callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
		_, err := c.contents.GetBySource(cctx, c.sourceType, externalID)
		return err
	})
	if err == nil || !appErr.IsNotFound(err) || c.src == nil {
		return nil
	}
	err = callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
		_, err := c.src.GetItem(cctx, externalID)
		return err
	})
	if appErr.IsNotFound(err) {
		return fmt.Errorf("bookmark %s not in %s: %w", externalID, c.src.Name(), appErr.ErrNotFound)
	}
	return nil
}

// ProcessRecords runs every record through the sub-phases. Records are
// independent: async mode processes them concurrently up to the configured
// limit. Results keep the order of ids.
func (c *ContentPipeline) ProcessRecords(ctx context.Context, ids []string, opts ProcessOptions) []*model.ItemResult {
	if opts.Mode == "" || !opts.Mode.Valid() {
		opts.Mode = c.mode
	}
	results := make([]*model.ItemResult, len(ids))
	one := func(i int) {
		id := ids[i]
		var rec *model.ContentRecord
		err := callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
			var err error
			rec, err = c.contents.GetByID(cctx, id)
			return err
		})
		if err != nil {
			results[i] = loadFailure(id, opts.Mode, err)
		} else {
			results[i] = c.processRecord(ctx, rec, opts)
		}
		if opts.OnItem != nil {
			opts.OnItem(results[i])
		}
	}
	if opts.Mode == model.ModeSync {
		for i := range ids {
			one(i)
		}
		return results
	}
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range ids {
		g.Go(func() error {
			one(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *ContentPipeline) processRecord(ctx context.Context, rec *model.ContentRecord, opts ProcessOptions) *model.ItemResult {
	res := &model.ItemResult{RecordID: rec.ID, SourceID: rec.SourceID, Mode: opts.Mode}
	if opts.Mode == model.ModeSync {
		res.SubPhases = c.runSync(ctx, rec.ID, opts.Overrides)
	} else {
		res.SubPhases = c.runAsync(ctx, rec.ID, opts.Overrides)
	}
	res.Status, res.Error = itemStatus(res.SubPhases)
	logger := logutil.GetLogger(ctx).With(zap.String("record_id", rec.ID), zap.String("mode", string(opts.Mode)))
	if res.Status == model.StatusCompleted {
		logger.Debug("item processed")
	} else {
		logger.Warn("item not fully processed", zap.String("status", string(res.Status)), zap.String("error", res.Error))
	}
	return res
}

// runSync executes the sub-phases one after another in the calling goroutine.
func (c *ContentPipeline) runSync(ctx context.Context, id string, overrides ai.Overrides) []model.SubPhaseResult {
	cache := c.processor.Run(ctx, id, model.SubPhaseBookmarkCache, false, overrides)
	if cache.Status == model.StatusFailed {
		return withBlocked(cache, model.SubPhaseMediaAnalysis, model.SubPhaseContentUnderstanding, model.SubPhaseCategorization)
	}
	media := c.processor.Run(ctx, id, model.SubPhaseMediaAnalysis, false, overrides)
	understanding := c.processor.Run(ctx, id, model.SubPhaseContentUnderstanding, false, overrides)
	if !understanding.Status.Succeeded() {
		return []model.SubPhaseResult{cache, media, understanding, blocked(model.SubPhaseCategorization, model.SubPhaseContentUnderstanding)}
	}
	categorize := c.processor.Run(ctx, id, model.SubPhaseCategorization, false, overrides)
	return []model.SubPhaseResult{cache, media, understanding, categorize}
}

// runAsync gates on bookmark cache, fans media analysis and understanding out
// concurrently and joins on both before categorization.
func (c *ContentPipeline) runAsync(ctx context.Context, id string, overrides ai.Overrides) []model.SubPhaseResult {
	cache := c.processor.Run(ctx, id, model.SubPhaseBookmarkCache, false, overrides)
	if cache.Status == model.StatusFailed {
		return withBlocked(cache, model.SubPhaseMediaAnalysis, model.SubPhaseContentUnderstanding, model.SubPhaseCategorization)
	}
	var media, understanding model.SubPhaseResult
	var g errgroup.Group
	g.Go(func() error {
		media = c.processor.Run(ctx, id, model.SubPhaseMediaAnalysis, false, overrides)
		return nil
	})
	g.Go(func() error {
		understanding = c.processor.Run(ctx, id, model.SubPhaseContentUnderstanding, false, overrides)
		return nil
	})
	_ = g.Wait()
	switch {
	case !understanding.Status.Succeeded():
		return []model.SubPhaseResult{cache, media, understanding, blocked(model.SubPhaseCategorization, model.SubPhaseContentUnderstanding)}
	case !media.Status.Succeeded():
		return []model.SubPhaseResult{cache, media, understanding, blocked(model.SubPhaseCategorization, model.SubPhaseMediaAnalysis)}
	}
	categorize := c.processor.Run(ctx, id, model.SubPhaseCategorization, false, overrides)
	return []model.SubPhaseResult{cache, media, understanding, categorize}
}

func blocked(phase model.SubPhase, by model.SubPhase) model.SubPhaseResult {
	return model.SubPhaseResult{Phase: phase, Status: model.StatusBlocked, Detail: "blocked by " + string(by)}
}

func withBlocked(failed model.SubPhaseResult, phases ...model.SubPhase) []model.SubPhaseResult {
	out := []model.SubPhaseResult{failed}
	for _, p := range phases {
		out = append(out, blocked(p, failed.Phase))
	}
	return out
}

// itemStatus: a failed bookmark cache fails the item, any other failed or
// blocked sub-phase degrades it to partial success.
func itemStatus(subs []model.SubPhaseResult) (model.Status, string) {
	var errs []string
	degraded := false
	for _, s := range subs {
		switch s.Status {
		case model.StatusFailed:
			errs = append(errs, fmt.Sprintf("%s: %s", s.Phase, s.Error))
			if s.Phase == model.SubPhaseBookmarkCache {
				return model.StatusFailed, strings.Join(errs, "; ")
			}
			degraded = true
		case model.StatusBlocked:
			degraded = true
		}
	}
	if degraded {
		return model.StatusPartialSuccess, strings.Join(errs, "; ")
	}
	return model.StatusCompleted, ""
}

func loadFailure(id string, mode model.ExecMode, err error) *model.ItemResult {
	cache := model.SubPhaseResult{Phase: model.SubPhaseBookmarkCache, Status: model.StatusFailed, Detail: "load record", Error: err.Error()}
	subs := withBlocked(cache, model.SubPhaseMediaAnalysis, model.SubPhaseContentUnderstanding, model.SubPhaseCategorization)
	status, msg := itemStatus(subs)
	return &model.ItemResult{RecordID: id, Status: status, Mode: mode, SubPhases: subs, Error: msg}
}

// upsertRecord finds the record by natural key or creates it. With force an
// existing record has its flags reset instead of being duplicated.
func (c *ContentPipeline) upsertRecord(ctx context.Context, externalID string, force bool) (*model.ContentRecord, bool, error) {
	var rec *model.ContentRecord
	err := callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
		var err error
		rec, err = c.contents.GetBySource(cctx, c.sourceType, externalID)
		return err
	})
	if err == nil {
		if force {
			now := c.now().UnixMilli()
			if err := callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
				return c.contents.ResetFlags(cctx, rec.ID, now)
			}); err != nil {
				return nil, false, fmt.Errorf("reset flags: %w", err)
			}
			rec.Flags = rec.Flags.Reset()
			rec.Mtime = now
		}
		return rec, false, nil
	}
	if !appErr.IsNotFound(err) {
		return nil, false, err
	}
	now := c.now().UnixMilli()
	rec = &model.ContentRecord{
		ID:         newID(),
		SourceType: c.sourceType,
		SourceID:   externalID,
		Ctime:      now,
		Mtime:      now,
	}
	err = callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
		return c.contents.Create(cctx, rec)
	})
	if appErr.IsConflict(err) {
		// created concurrently by someone else
		return c.upsertRecord(ctx, externalID, force)
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// FetchCollection streams up to maxResults items from the bookmark source and
// upserts a record for each. Item failures are collected without stopping the
// stream. A broken stream, or one that yields nothing within the call
// timeout, ends the fetch and is reported in StreamError.
func (c *ContentPipeline) FetchCollection(ctx context.Context, maxResults int, force bool) (*model.FetchReport, error) {
	if c.src == nil {
		return nil, fmt.Errorf("no bookmark source configured: %w", appErr.ErrUnavailable)
	}
	logger := logutil.GetLogger(ctx)
	report := &model.FetchReport{}
	seen := make(map[string]struct{})

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idle atomic.Bool
	timer := time.AfterFunc(c.callTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer timer.Stop()

	for item, err := range c.src.Stream(streamCtx, maxResults) {
		timer.Stop()
		if err != nil && errors.Is(err, source.ErrStreamBroken) {
			report.StreamError = err.Error()
			if idle.Load() {
				report.StreamError = fmt.Sprintf("no bookmark within %s: %v", c.callTimeout, err)
			}
			logger.Error("bookmark stream broken", zap.String("error", report.StreamError))
			break
		}
		c.collectItem(ctx, report, seen, item, err, force)
		timer.Reset(c.callTimeout)
	}
	if report.StreamError == "" && idle.Load() && ctx.Err() == nil {
		report.StreamError = fmt.Sprintf("no bookmark within %s", c.callTimeout)
		logger.Error("bookmark stream stalled", zap.Duration("timeout", c.callTimeout))
	}
	logger.Info("fetch finished",
		zap.Int("fetched", len(report.Fetched)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (c *ContentPipeline) collectItem(ctx context.Context, report *model.FetchReport, seen map[string]struct{}, item *model.ItemData, err error, force bool) {
	logger := logutil.GetLogger(ctx)
	if err != nil {
		sourceID := ""
		if item != nil {
			sourceID = item.ID
		}
		report.Failed = append(report.Failed, model.ItemError{SourceID: sourceID, Error: err.Error()})
		logger.Warn("skip bad bookmark", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if _, ok := seen[item.ID]; ok {
		return
	}
	seen[item.ID] = struct{}{}
	rec, created, err := c.upsertRecord(ctx, item.ID, force)
	if err != nil {
		report.Failed = append(report.Failed, model.ItemError{SourceID: item.ID, Error: err.Error()})
		logger.Warn("upsert bookmark failed", zap.String("source_id", item.ID), zap.Error(err))
		return
	}
	if created || force {
		report.Fetched = append(report.Fetched, rec.ID)
		return
	}
	report.Skipped = append(report.Skipped, rec.ID)
}

// PendingRecordIDs merges ids with every record of the source type whose
// sub-phases are not all complete. The result is sorted and deduplicated.
func (c *ContentPipeline) PendingRecordIDs(ctx context.Context, ids []string) ([]string, error) {
	var incomplete []*model.ContentRecord
	err := callWithTimeout(ctx, c.callTimeout, func(cctx context.Context) error {
		var err error
		incomplete, err = c.contents.ListIncomplete(cctx, c.sourceType)
		return err
	})
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids)+len(incomplete))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, rec := range incomplete {
		set[rec.ID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
