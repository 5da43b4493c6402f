package model

type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	StatusSkipped        Status = "skipped"
	// StatusBlocked marks a sub-phase that was never attempted because an
	// upstream sub-phase failed.
	StatusBlocked Status = "blocked"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialSuccess, StatusFailed:
		return true
	}
	return false
}

// Succeeded reports whether s counts as a non-failure outcome.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusSkipped
}

type PhaseName string

const (
	PhaseInit       PhaseName = "init"
	PhaseFetch      PhaseName = "fetch"
	PhaseProcess    PhaseName = "process"
	PhaseSynthesize PhaseName = "synthesize"
	PhaseEmbed      PhaseName = "embed"
	PhasePublish    PhaseName = "publish"
	PhaseExport     PhaseName = "export"
)

var PhaseOrder = []PhaseName{
	PhaseInit,
	PhaseFetch,
	PhaseProcess,
	PhaseSynthesize,
	PhaseEmbed,
	PhasePublish,
	PhaseExport,
}

type PhaseCounts struct {
	Consumed int `json:"consumed"`
	Produced int `json:"produced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type PhaseResult struct {
	Phase      PhaseName   `json:"phase"`
	Status     Status      `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
	Counts     PhaseCounts `json:"counts"`
	StartedAt  int64       `json:"started_at"`
	DurationMs int64       `json:"duration_ms"`
}

// CountStatus derives a phase status from unit counts: failed when nothing
// succeeded, partial_success when some units failed.
func CountStatus(succeeded, failed int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartialSuccess
	}
}

type PipelineRun struct {
	ID         string        `json:"pipeline_id"`
	Status     Status        `json:"status"`
	Mode       ExecMode      `json:"mode"`
	Trigger    string        `json:"trigger,omitempty"`
	Phases     []PhaseResult `json:"phases"`
	Error      string        `json:"error,omitempty"`
	StartedAt  int64         `json:"started_at"`
	FinishedAt int64         `json:"finished_at,omitempty"`
}

func (r *PipelineRun) Phase(name PhaseName) (*PhaseResult, bool) {
	for i := range r.Phases {
		if r.Phases[i].Phase == name {
			return &r.Phases[i], true
		}
	}
	return nil, false
}

func (r *PipelineRun) FailedPhases() []PhaseName {
	var out []PhaseName
	for _, p := range r.Phases {
		if p.Status == StatusFailed || p.Status == StatusPartialSuccess {
			out = append(out, p.Phase)
		}
	}
	return out
}

// Finalize computes the overall run status from the recorded phases.
func (r *PipelineRun) Finalize(finishedAt int64) {
	r.FinishedAt = finishedAt
	r.Status = AggregateStatus(r.Phases)
}

func AggregateStatus(phases []PhaseResult) Status {
	if len(phases) == 0 {
		return StatusFailed
	}
	if phases[0].Phase == PhaseInit && phases[0].Status == StatusFailed {
		return StatusFailed
	}
	attempted, failed, degraded := 0, 0, 0
	for _, p := range phases {
		switch p.Status {
		case StatusSkipped:
			continue
		case StatusFailed:
			failed++
		case StatusPartialSuccess:
			degraded++
		}
		attempted++
	}
	switch {
	case attempted > 0 && failed == attempted:
		return StatusFailed
	case failed > 0 || degraded > 0:
		return StatusPartialSuccess
	default:
		return StatusCompleted
	}
}

type SubPhaseResult struct {
	Phase      SubPhase `json:"phase"`
	Status     Status   `json:"status"`
	Detail     string   `json:"detail,omitempty"`
	Error      string   `json:"error,omitempty"`
	Model      string   `json:"model,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// ItemResult is the outcome of processing one content record.
type ItemResult struct {
	RecordID  string           `json:"record_id"`
	SourceID  string           `json:"source_id"`
	Status    Status           `json:"status"`
	Mode      ExecMode         `json:"mode"`
	SubPhases []SubPhaseResult `json:"sub_phases"`
	Error     string           `json:"error,omitempty"`
}

func (r *ItemResult) SubPhase(phase SubPhase) (*SubPhaseResult, bool) {
	for i := range r.SubPhases {
		if r.SubPhases[i].Phase == phase {
			return &r.SubPhases[i], true
		}
	}
	return nil, false
}

type ItemError struct {
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// FetchReport classifies streamed items. Fetched and Skipped hold content
// record ids, Failed holds source ids.
type FetchReport struct {
	Fetched []string    `json:"fetched"`
	Skipped []string    `json:"skipped"`
	Failed  []ItemError `json:"failed"`
	// StreamError is set when the source itself broke mid-stream.
	StreamError string `json:"stream_error,omitempty"`
}

type Readme struct {
	Content string       `json:"content"`
	Model   string       `json:"model"`
	Stats   ContentStats `json:"stats"`
}

type ExportResult struct {
	CommitRef    string `json:"commit_ref"`
	FilesWritten int    `json:"files_written"`
	Pushed       bool   `json:"pushed"`
	Mirrored     int    `json:"mirrored"`
}

type ExecMode string

const (
	ModeSync  ExecMode = "sync"
	ModeAsync ExecMode = "async"
)

func (m ExecMode) Valid() bool {
	return m == ModeSync || m == ModeAsync
}
