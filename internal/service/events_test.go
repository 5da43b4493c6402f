package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySinkRingWraps(t *testing.T) {
	sink := NewMemorySink(3, 2)
	for i := int64(1); i <= 5; i++ {
		sink.Emit(context.Background(), Event{Seq: i, PipelineID: "p1", Type: EventItemProcessed})
	}
	events := sink.Events("p1", 0)
	require.Len(t, events, 3)
	require.Equal(t, []int64{3, 4, 5}, []int64{events[0].Seq, events[1].Seq, events[2].Seq})
	require.Len(t, sink.Events("p1", 4), 1)
	require.Empty(t, sink.Events("p1", 5))
}

func TestMemorySinkEvictsOldestRun(t *testing.T) {
	sink := NewMemorySink(4, 2)
	for i := 1; i <= 3; i++ {
		sink.Emit(context.Background(), Event{Seq: 1, PipelineID: fmt.Sprintf("p%d", i), Type: EventRunStarted})
	}
	require.Nil(t, sink.Events("p1", 0))
	require.Len(t, sink.Events("p2", 0), 1)
	require.Len(t, sink.Events("p3", 0), 1)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := NewMemorySink(4, 1), NewMemorySink(4, 1)
	sink := NewMultiSink(a, nil, b)
	sink.Emit(context.Background(), Event{Seq: 1, PipelineID: "p", Type: EventRunFinished})
	require.Len(t, a.Events("p", 0), 1)
	require.Len(t, b.Events("p", 0), 1)
}
