package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

func fiveItems() []model.ItemData {
	var items []model.ItemData
	for i := 1; i <= 5; i++ {
		items = append(items, item(fmt.Sprint(i), fmt.Sprintf("post %d [cat:Tech/AI]", i)))
	}
	return items
}

func phaseStatus(t *testing.T, run *model.PipelineRun, name model.PhaseName) *model.PhaseResult {
	res, ok := run.Phase(name)
	require.True(t, ok, "phase %s missing", name)
	return res
}

func TestCoordinatorRunCompletes(t *testing.T) {
	for _, mode := range []model.ExecMode{model.ModeSync, model.ModeAsync} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode, fiveItems()...)

			run, err := h.coord.Run(context.Background(), RunOptions{Mode: mode})
			require.NoError(t, err)
			require.Equal(t, model.StatusCompleted, run.Status, run.Error)
			require.Len(t, run.Phases, len(model.PhaseOrder))
			for i, p := range run.Phases {
				require.Equal(t, model.PhaseOrder[i], p.Phase)
				require.Equal(t, model.StatusCompleted, p.Status, p.Phase)
			}
			process := phaseStatus(t, run, model.PhaseProcess)
			require.Equal(t, 5, process.Counts.Produced)
			require.Equal(t, "5/5 fully processed", process.Detail)

			stats, _ := h.contents.Stats(context.Background())
			require.Equal(t, 5, stats.FullyProcessed)
			docs, _ := h.syntheses.List(context.Background())
			require.Len(t, docs, 1)
			require.Equal(t, 5, docs[0].SourceCount)
			require.Equal(t, 6, h.embeddings.count())
			require.Equal(t, 1, h.exporter.calls)
			require.Equal(t, 5, h.exporter.records)
			require.NotNil(t, h.exporter.readme)

			stored, err := h.runs.Get(context.Background(), run.ID)
			require.NoError(t, err)
			require.Equal(t, model.StatusCompleted, stored.Status)
			require.Empty(t, h.coord.ActiveRun())
		})
	}
}

func TestCoordinatorHangingItemIsPartial(t *testing.T) {
	h := newHarness(t, model.ModeAsync, fiveItems()...)
	h.src.hang["3"] = true

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusPartialSuccess, run.Status)
	process := phaseStatus(t, run, model.PhaseProcess)
	require.Equal(t, model.StatusPartialSuccess, process.Status)
	require.Equal(t, 4, process.Counts.Produced)
	require.Equal(t, 1, process.Counts.Failed)
	require.Equal(t, model.SubPhaseFlags(0), h.contents.bySource(t, "3").Flags)
	require.Contains(t, run.Error, string(model.PhaseProcess))

	require.Equal(t, model.StatusCompleted, phaseStatus(t, run, model.PhaseSynthesize).Status)
	require.Equal(t, 4, h.exporter.records)
}

func TestCoordinatorSecondRunLeavesSynthesisUntouched(t *testing.T) {
	h := newHarness(t, model.ModeSync, item("1", "a [cat:Tech/AI]"), item("2", "b [cat:Tech/AI]"), item("3", "c [cat:Tech/AI]"), item("4", "d [cat:Tech/AI]"))

	_, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	first, err := h.syntheses.Get(context.Background(), model.CategoryKey{Main: "Tech", Sub: "AI"})
	require.NoError(t, err)
	require.Equal(t, 4, first.SourceCount)

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, run.Status)
	again, err := h.syntheses.Get(context.Background(), first.Category())
	require.NoError(t, err)
	require.Equal(t, first.Mtime, again.Mtime)
	require.Equal(t, 1, h.provider.callCount("synthesis"))
}

func TestCoordinatorInitFailure(t *testing.T) {
	h := newHarness(t, model.ModeSync, fiveItems()...)
	h.src.available = false

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, run.Status)
	require.Len(t, run.Phases, 1)
	require.Equal(t, model.PhaseInit, run.Phases[0].Phase)
	require.Contains(t, run.Phases[0].Error, "unreachable")
	require.Zero(t, h.exporter.calls)
}

func TestCoordinatorNothingToProcess(t *testing.T) {
	h := newHarness(t, model.ModeSync)

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, run.Status)
	require.Len(t, run.Phases, len(model.PhaseOrder))
	for _, p := range run.Phases[2:] {
		require.Equal(t, model.StatusSkipped, p.Status, p.Phase)
	}
	require.Zero(t, h.exporter.calls)
}

func TestCoordinatorExportFailure(t *testing.T) {
	h := newHarness(t, model.ModeSync, fiveItems()...)
	h.exporter.err = errors.New("git push rejected")

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusPartialSuccess, run.Status)
	export := phaseStatus(t, run, model.PhaseExport)
	require.Equal(t, model.StatusFailed, export.Status)
	require.Contains(t, export.Error, "push rejected")
}

func TestCoordinatorWithoutExporter(t *testing.T) {
	h := newHarness(t, model.ModeSync, fiveItems()...)
	h.coord = NewCoordinator(CoordinatorDeps{
		Contents:   h.contents,
		Source:     h.src,
		Resolver:   h.gateway,
		Pipeline:   h.pipeline,
		Synthesis:  h.synthesis,
		Embeddings: h.embedder,
		Readme:     h.readme,
		Sink:       h.sink,
	}, CoordinatorConfig{})

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, run.Status)
	export := phaseStatus(t, run, model.PhaseExport)
	require.Equal(t, model.StatusSkipped, export.Status)

	_, err = h.coord.GetRunStatus(context.Background(), "unknown")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestCoordinatorStartRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, model.ModeAsync, fiveItems()...)
	h.src.hang["2"] = true

	started, err := h.coord.Start(context.Background(), RunOptions{Trigger: "api"})
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, started.Status)
	require.Equal(t, started.ID, h.coord.ActiveRun())

	_, err = h.coord.Start(context.Background(), RunOptions{})
	require.ErrorIs(t, err, appErr.ErrConflict)
	_, err = h.coord.Start(context.Background(), RunOptions{Mode: "parallel"})
	require.ErrorIs(t, err, appErr.ErrInvalid)

	require.Eventually(t, func() bool {
		run, err := h.coord.GetRunStatus(context.Background(), started.ID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	run, err := h.coord.GetRunStatus(context.Background(), started.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPartialSuccess, run.Status)
	require.Equal(t, "api", run.Trigger)
	require.Empty(t, h.coord.ActiveRun())
}

func TestCoordinatorEventsAreOrdered(t *testing.T) {
	h := newHarness(t, model.ModeAsync, fiveItems()...)

	run, err := h.coord.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	events := h.sink.Events(run.ID, 0)
	require.NotEmpty(t, events)
	require.Equal(t, EventRunStarted, events[0].Type)
	require.Equal(t, EventRunFinished, events[len(events)-1].Type)
	require.Equal(t, model.StatusCompleted, events[len(events)-1].Status)

	started, items := 0, 0
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
		require.Equal(t, run.ID, ev.PipelineID)
		switch ev.Type {
		case EventPhaseStarted:
			started++
		case EventItemProcessed:
			items++
		}
	}
	require.Equal(t, len(model.PhaseOrder), started)
	require.Equal(t, 5, items)

	tail := h.sink.Events(run.ID, events[len(events)-3].Seq)
	require.Len(t, tail, 2)
}
