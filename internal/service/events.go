package service

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/model"
)

type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventPhaseFailed    EventType = "phase_failed"
	EventPhaseSkipped   EventType = "phase_skipped"
	EventItemProcessed  EventType = "item_processed"
	EventRunFinished    EventType = "run_finished"
)

type Event struct {
	Seq        int64              `json:"seq"`
	PipelineID string             `json:"pipeline_id"`
	Type       EventType          `json:"type"`
	Phase      model.PhaseName    `json:"phase,omitempty"`
	Status     model.Status       `json:"status,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	Counts     *model.PhaseCounts `json:"counts,omitempty"`
	Time       int64              `json:"time"`
}

// EventSink receives progress events in emission order.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

type multiSink []EventSink

func NewMultiSink(sinks ...EventSink) EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

type LogSink struct{}

func (LogSink) Emit(ctx context.Context, ev Event) {
	logger := logutil.GetLogger(ctx).With(
		zap.String("pipeline_id", ev.PipelineID),
		zap.String("event", string(ev.Type)),
	)
	if ev.Phase != "" {
		logger = logger.With(zap.String("phase", string(ev.Phase)))
	}
	if ev.Status != "" {
		logger = logger.With(zap.String("status", string(ev.Status)))
	}
	switch ev.Type {
	case EventPhaseFailed:
		logger.Error("pipeline event", zap.String("detail", ev.Detail))
	case EventItemProcessed:
		logger.Debug("pipeline event", zap.String("detail", ev.Detail))
	default:
		logger.Info("pipeline event", zap.String("detail", ev.Detail))
	}
}

// MemorySink keeps the most recent events per pipeline in a ring buffer.
type MemorySink struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*ring
	order    []string
	maxRuns  int
}

type ring struct {
	events []Event
	start  int
	size   int
}

func NewMemorySink(capacity int, maxRuns int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	if maxRuns <= 0 {
		maxRuns = 32
	}
	return &MemorySink{capacity: capacity, maxRuns: maxRuns, buffers: make(map[string]*ring)}
}

func (m *MemorySink) Emit(ctx context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[ev.PipelineID]
	if !ok {
		buf = &ring{events: make([]Event, m.capacity)}
		m.buffers[ev.PipelineID] = buf
		m.order = append(m.order, ev.PipelineID)
		if len(m.order) > m.maxRuns {
			delete(m.buffers, m.order[0])
			m.order = m.order[1:]
		}
	}
	idx := (buf.start + buf.size) % m.capacity
	buf.events[idx] = ev
	if buf.size < m.capacity {
		buf.size++
	} else {
		buf.start = (buf.start + 1) % m.capacity
	}
}

// Events returns the buffered events of a run with Seq greater than after.
func (m *MemorySink) Events(pipelineID string, after int64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.buffers[pipelineID]
	if !ok {
		return nil
	}
	out := make([]Event, 0, buf.size)
	for i := 0; i < buf.size; i++ {
		ev := buf.events[(buf.start+i)%m.capacity]
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}
