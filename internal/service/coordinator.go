package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
	"github.com/xxxsen/markkb/internal/source"
)

const maxRetainedRuns = 64

type CoordinatorConfig struct {
	MinItemsPerCategory int
	MaxResults          int
	CallTimeout         time.Duration
}

type RunOptions struct {
	Mode         model.ExecMode
	Overrides    ai.Overrides
	ForceRefresh bool
	// MaxResults and MinItems fall back to the configured values when zero.
	MaxResults int
	MinItems   int
	Trigger    string
}

type CoordinatorDeps struct {
	Contents   IContentStore
	Source     source.Source
	Resolver   IResolver
	Pipeline   *ContentPipeline
	Synthesis  *SynthesisService
	Embeddings *EmbeddingService
	Readme     *ReadmeService
	// Exporter and Runs are optional.
	Exporter IExporter
	Runs     IRunStore
	Sink     EventSink
}

// Coordinator sequences the seven pipeline phases and keeps a registry of
// runs for status polling. At most one run is active at a time.
type Coordinator struct {
	deps CoordinatorDeps
	cfg  CoordinatorConfig
	now  func() time.Time

	mu       sync.Mutex
	active   string
	runs     map[string]*runState
	finished []string
}

type runState struct {
	mu   sync.Mutex
	run  model.PipelineRun
	seq  int64
	opts RunOptions
}

func NewCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig) *Coordinator {
	if cfg.MinItemsPerCategory <= 0 {
		cfg.MinItemsPerCategory = defaultMinItemsPerCategory
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if deps.Sink == nil {
		deps.Sink = LogSink{}
	}
	return &Coordinator{
		deps: deps,
		cfg:  cfg,
		now:  time.Now,
		runs: make(map[string]*runState),
	}
}

// Run executes a full pipeline run and returns its final report.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*model.PipelineRun, error) {
	st, err := c.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.execute(ctx, st)
	return st.snapshot(), nil
}

// Start launches a run in the background and returns its initial snapshot.
// The run outlives ctx cancellation; poll it with GetRunStatus.
func (c *Coordinator) Start(ctx context.Context, opts RunOptions) (*model.PipelineRun, error) {
	st, err := c.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	go c.execute(context.WithoutCancel(ctx), st)
	return st.snapshot(), nil
}

func (c *Coordinator) GetRunStatus(ctx context.Context, id string) (*model.PipelineRun, error) {
	c.mu.Lock()
	st, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	if c.deps.Runs == nil {
		return nil, fmt.Errorf("pipeline run %s: %w", id, appErr.ErrNotFound)
	}
	return c.deps.Runs.Get(ctx, id)
}

func (c *Coordinator) ActiveRun() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) begin(ctx context.Context, opts RunOptions) (*runState, error) {
	if opts.Mode == "" {
		opts.Mode = c.deps.Pipeline.DefaultMode()
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q: %w", opts.Mode, appErr.ErrInvalid)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = c.cfg.MaxResults
	}
	if opts.MinItems <= 0 {
		opts.MinItems = c.cfg.MinItemsPerCategory
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return nil, fmt.Errorf("pipeline run %s still active: %w", c.active, appErr.ErrConflict)
	}
	st := &runState{
		opts: opts,
		run: model.PipelineRun{
			ID:        newID(),
			Status:    model.StatusRunning,
			Mode:      opts.Mode,
			Trigger:   opts.Trigger,
			Phases:    []model.PhaseResult{},
			StartedAt: c.now().UnixMilli(),
		},
	}
	c.active = st.run.ID
	c.runs[st.run.ID] = st
	c.persist(ctx, st)
	c.emit(ctx, st, Event{Type: EventRunStarted, Status: model.StatusRunning, Detail: string(opts.Mode)})
	return st, nil
}

func (c *Coordinator) finish(ctx context.Context, st *runState) {
	st.mu.Lock()
	st.run.Finalize(c.now().UnixMilli())
	failed := st.run.FailedPhases()
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, p := range failed {
			names = append(names, string(p))
		}
		st.run.Error = fmt.Sprintf("phases not completed: %v", names)
	}
	status := st.run.Status
	st.mu.Unlock()

	c.persist(ctx, st)
	c.emit(ctx, st, Event{Type: EventRunFinished, Status: status, Detail: st.snapshot().Error})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == st.run.ID {
		c.active = ""
	}
	c.finished = append(c.finished, st.run.ID)
	for len(c.finished) > maxRetainedRuns {
		delete(c.runs, c.finished[0])
		c.finished = c.finished[1:]
	}
}

type phaseOutcome struct {
	status model.Status
	detail string
	counts model.PhaseCounts
	err    error
}

func (c *Coordinator) execute(ctx context.Context, st *runState) {
	opts := st.opts
	if opts.Mode == model.ModeSync {
		ctx = withSequential(ctx)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("pipeline_id", st.run.ID))
	logger.Info("pipeline run started", zap.String("mode", string(opts.Mode)), zap.String("trigger", opts.Trigger))
	defer func() {
		c.finish(ctx, st)
		snap := st.snapshot()
		logger.Info("pipeline run finished", zap.String("status", string(snap.Status)), zap.Int64("duration_ms", snap.FinishedAt-snap.StartedAt))
	}()

	if res := c.runPhase(ctx, st, model.PhaseInit, c.initPhase); res.Status == model.StatusFailed {
		return
	}

	var fetch *model.FetchReport
	fetchRes := c.runPhase(ctx, st, model.PhaseFetch, func(ctx context.Context) phaseOutcome {
		var out phaseOutcome
		fetch, out = c.fetchPhase(ctx, opts)
		return out
	})

	var fetched []string
	if fetch != nil {
		fetched = fetch.Fetched
	}
	pending, pendingErr := c.deps.Pipeline.PendingRecordIDs(ctx, fetched)
	if pendingErr != nil {
		pending = fetched
	}
	if fetchRes.Status == model.StatusCompleted && fetch.StreamError == "" && pendingErr == nil && len(pending) == 0 {
		c.skipRemaining(ctx, st, "nothing to process", model.PhaseProcess, model.PhaseSynthesize, model.PhaseEmbed, model.PhasePublish, model.PhaseExport)
		return
	}

	c.runPhase(ctx, st, model.PhaseProcess, func(ctx context.Context) phaseOutcome {
		out := c.processPhase(ctx, st, pending, opts)
		if pendingErr != nil {
			out.detail += "; incomplete records not listed: " + pendingErr.Error()
			if out.status == model.StatusCompleted {
				out.status = model.StatusPartialSuccess
			}
		}
		return out
	})
	c.runPhase(ctx, st, model.PhaseSynthesize, func(ctx context.Context) phaseOutcome {
		return c.synthesizePhase(ctx, opts)
	})
	c.runPhase(ctx, st, model.PhaseEmbed, func(ctx context.Context) phaseOutcome {
		return c.embedPhase(ctx, opts)
	})
	var readme *model.Readme
	c.runPhase(ctx, st, model.PhasePublish, func(ctx context.Context) phaseOutcome {
		var out phaseOutcome
		readme, out = c.publishPhase(ctx, opts)
		return out
	})
	c.runPhase(ctx, st, model.PhaseExport, func(ctx context.Context) phaseOutcome {
		return c.exportPhase(ctx, readme)
	})
}

// runPhase records one phase result. A panic inside fn is contained and
// reported as a phase failure.
func (c *Coordinator) runPhase(ctx context.Context, st *runState, name model.PhaseName, fn func(ctx context.Context) phaseOutcome) model.PhaseResult {
	start := c.now()
	c.emit(ctx, st, Event{Type: EventPhaseStarted, Phase: name, Status: model.StatusRunning})
	out := func() (out phaseOutcome) {
		defer func() {
			if r := recover(); r != nil {
				out = phaseOutcome{status: model.StatusFailed, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		return fn(ctx)
	}()
	res := model.PhaseResult{
		Phase:      name,
		Status:     out.status,
		Detail:     out.detail,
		Counts:     out.counts,
		StartedAt:  start.UnixMilli(),
		DurationMs: durationMs(start, c.now()),
	}
	if out.err != nil {
		res.Error = out.err.Error()
		if res.Status == "" || res.Status == model.StatusCompleted {
			res.Status = model.StatusFailed
		}
	}
	if res.Status == "" {
		res.Status = model.StatusCompleted
	}
	c.record(ctx, st, res)
	return res
}

func (c *Coordinator) record(ctx context.Context, st *runState, res model.PhaseResult) {
	st.mu.Lock()
	st.run.Phases = append(st.run.Phases, res)
	st.mu.Unlock()
	c.persist(ctx, st)

	ev := Event{Phase: res.Phase, Status: res.Status, Detail: res.Detail, Counts: &res.Counts}
	switch res.Status {
	case model.StatusFailed, model.StatusPartialSuccess:
		ev.Type = EventPhaseFailed
		if res.Error != "" {
			ev.Detail = res.Error
		}
	case model.StatusSkipped:
		ev.Type = EventPhaseSkipped
	default:
		ev.Type = EventPhaseCompleted
	}
	c.emit(ctx, st, ev)
}

func (c *Coordinator) skipRemaining(ctx context.Context, st *runState, detail string, phases ...model.PhaseName) {
	for _, name := range phases {
		c.record(ctx, st, model.PhaseResult{Phase: name, Status: model.StatusSkipped, Detail: detail, StartedAt: c.now().UnixMilli()})
	}
}

func (c *Coordinator) initPhase(ctx context.Context) phaseOutcome {
	var problems []error
	if c.deps.Pipeline == nil || c.deps.Synthesis == nil || c.deps.Embeddings == nil || c.deps.Readme == nil {
		problems = append(problems, errors.New("pipeline components not configured"))
	}
	if c.deps.Source == nil {
		problems = append(problems, errors.New("bookmark source not configured"))
	} else if !c.sourceAvailable(ctx) {
		problems = append(problems, fmt.Errorf("bookmark source %s unreachable", c.deps.Source.Name()))
	}
	if err := callWithTimeout(ctx, c.cfg.CallTimeout, c.deps.Contents.Ping); err != nil {
		problems = append(problems, fmt.Errorf("storage: %w", err))
	}
	if err := callWithTimeout(ctx, c.cfg.CallTimeout, c.deps.Resolver.Check); err != nil {
		problems = append(problems, fmt.Errorf("ai gateway: %w", err))
	}
	if err := errors.Join(problems...); err != nil {
		return phaseOutcome{status: model.StatusFailed, detail: "dependency check failed", err: err}
	}
	return phaseOutcome{status: model.StatusCompleted, detail: "dependencies healthy"}
}

func (c *Coordinator) sourceAvailable(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.deps.Source.IsAvailable(cctx)
}

func (c *Coordinator) fetchPhase(ctx context.Context, opts RunOptions) (*model.FetchReport, phaseOutcome) {
	report, err := c.deps.Pipeline.FetchCollection(ctx, opts.MaxResults, opts.ForceRefresh)
	if err != nil {
		return nil, phaseOutcome{err: err}
	}
	ok := len(report.Fetched) + len(report.Skipped)
	out := phaseOutcome{
		counts: model.PhaseCounts{
			Consumed: ok + len(report.Failed),
			Produced: len(report.Fetched),
			Skipped:  len(report.Skipped),
			Failed:   len(report.Failed),
		},
		detail: fmt.Sprintf("fetched %d, skipped %d, failed %d", len(report.Fetched), len(report.Skipped), len(report.Failed)),
	}
	out.status = model.CountStatus(ok, len(report.Failed))
	if report.StreamError != "" {
		out.err = errors.New(report.StreamError)
		out.status = model.CountStatus(ok, 1)
	}
	return report, out
}

func (c *Coordinator) processPhase(ctx context.Context, st *runState, ids []string, opts RunOptions) phaseOutcome {
	results := c.deps.Pipeline.ProcessRecords(ctx, ids, ProcessOptions{
		Overrides: opts.Overrides,
		Mode:      opts.Mode,
		OnItem: func(res *model.ItemResult) {
			c.emit(ctx, st, Event{Type: EventItemProcessed, Phase: model.PhaseProcess, Status: res.Status, Detail: res.RecordID})
		},
	})
	counts := model.PhaseCounts{Consumed: len(results)}
	for _, res := range results {
		switch res.Status {
		case model.StatusCompleted:
			counts.Produced++
			if allSkipped(res.SubPhases) {
				counts.Skipped++
			}
		default:
			counts.Failed++
		}
	}
	return phaseOutcome{
		status: model.CountStatus(counts.Produced, counts.Failed),
		counts: counts,
		detail: fmt.Sprintf("%d/%d fully processed", counts.Produced, counts.Consumed),
	}
}

func allSkipped(subs []model.SubPhaseResult) bool {
	for _, s := range subs {
		if s.Status != model.StatusSkipped {
			return false
		}
	}
	return len(subs) > 0
}

func (c *Coordinator) synthesizePhase(ctx context.Context, opts RunOptions) phaseOutcome {
	report, err := c.deps.Synthesis.GenerateForEligibleCategories(ctx, opts.MinItems, opts.ForceRefresh, opts.Overrides)
	if err != nil {
		return phaseOutcome{err: err}
	}
	counts := model.PhaseCounts{
		Consumed: len(report.Generated) + len(report.Skipped) + len(report.Failed),
		Produced: len(report.Generated),
		Skipped:  len(report.Skipped),
		Failed:   len(report.Failed),
	}
	out := phaseOutcome{
		status: model.CountStatus(counts.Produced+counts.Skipped, counts.Failed),
		counts: counts,
		detail: fmt.Sprintf("generated %d, skipped %d, failed %d", counts.Produced, counts.Skipped, counts.Failed),
	}
	if len(report.Failed) > 0 {
		errs := make([]error, 0, len(report.Failed))
		for _, f := range report.Failed {
			errs = append(errs, fmt.Errorf("%s: %s", f.CategoryKey.String(), f.Error))
		}
		out.err = errors.Join(errs...)
	}
	return out
}

func (c *Coordinator) embedPhase(ctx context.Context, opts RunOptions) phaseOutcome {
	report, err := c.deps.Embeddings.GenerateMissing(ctx, opts.Overrides)
	if err != nil {
		return phaseOutcome{err: err}
	}
	counts := model.PhaseCounts{
		Consumed: report.Generated + report.Skipped + report.Failed,
		Produced: report.Generated,
		Skipped:  report.Skipped,
		Failed:   report.Failed,
	}
	out := phaseOutcome{
		status: model.CountStatus(counts.Produced+counts.Skipped, counts.Failed),
		counts: counts,
		detail: fmt.Sprintf("model %s: generated %d, skipped %d, failed %d", report.Model, counts.Produced, counts.Skipped, counts.Failed),
	}
	if report.Failed > 0 {
		out.err = fmt.Errorf("%d documents not embedded", report.Failed)
	}
	return out
}

func (c *Coordinator) publishPhase(ctx context.Context, opts RunOptions) (*model.Readme, phaseOutcome) {
	readme, err := c.deps.Readme.Generate(ctx, opts.Overrides)
	if err != nil {
		return nil, phaseOutcome{err: err}
	}
	return readme, phaseOutcome{
		status: model.StatusCompleted,
		counts: model.PhaseCounts{Consumed: len(readme.Stats.Categories), Produced: 1},
		detail: fmt.Sprintf("readme over %d records, %d categories", readme.Stats.Total, len(readme.Stats.Categories)),
	}
}

func (c *Coordinator) exportPhase(ctx context.Context, readme *model.Readme) phaseOutcome {
	if c.deps.Exporter == nil {
		return phaseOutcome{status: model.StatusSkipped, detail: "no exporter configured"}
	}
	all, err := c.deps.Contents.ListAll(ctx)
	if err != nil {
		return phaseOutcome{err: err}
	}
	records := make([]*model.ContentRecord, 0, len(all))
	for _, rec := range all {
		if rec.FullyProcessed() {
			records = append(records, rec)
		}
	}
	docs, err := c.deps.Synthesis.List(ctx)
	if err != nil {
		return phaseOutcome{err: err}
	}
	res, err := c.deps.Exporter.ExportAndCommit(ctx, records, docs, readme)
	if err != nil {
		return phaseOutcome{err: err}
	}
	detail := fmt.Sprintf("wrote %d files", res.FilesWritten)
	if res.CommitRef != "" {
		detail += ", commit " + res.CommitRef
	}
	return phaseOutcome{
		status: model.StatusCompleted,
		counts: model.PhaseCounts{Consumed: len(records) + len(docs), Produced: res.FilesWritten},
		detail: detail,
	}
}

func (c *Coordinator) emit(ctx context.Context, st *runState, ev Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	ev.Seq = st.seq
	ev.PipelineID = st.run.ID
	ev.Time = c.now().UnixMilli()
	c.deps.Sink.Emit(ctx, ev)
}

func (c *Coordinator) persist(ctx context.Context, st *runState) {
	if c.deps.Runs == nil {
		return
	}
	snap := st.snapshot()
	if err := callWithTimeout(ctx, c.cfg.CallTimeout, func(cctx context.Context) error {
		return c.deps.Runs.Save(cctx, snap)
	}); err != nil {
		logutil.GetLogger(ctx).Warn("persist pipeline run failed", zap.String("pipeline_id", snap.ID), zap.Error(err))
	}
}

func (st *runState) snapshot() *model.PipelineRun {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.run
	out.Phases = append([]model.PhaseResult(nil), st.run.Phases...)
	return &out
}

type sequentialKey struct{}

// withSequential marks ctx so fan-out stages run one unit at a time.
func withSequential(ctx context.Context) context.Context {
	return context.WithValue(ctx, sequentialKey{}, true)
}

func concurrencyFor(ctx context.Context, n int) int {
	if v, _ := ctx.Value(sequentialKey{}).(bool); v {
		return 1
	}
	return n
}
