package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

func seedCategorized(t *testing.T, h *harness, key model.CategoryKey, n int) {
	for i := 0; i < n; i++ {
		sourceID := fmt.Sprintf("%s-%s-%d", key.Main, key.Sub, i)
		rec := &model.ContentRecord{
			ID:                      "rec-" + sourceID,
			SourceType:              model.SourceTypeTwitter,
			SourceID:                sourceID,
			Text:                    "post " + sourceID,
			CollectiveUnderstanding: "understanding " + sourceID,
			MainCategory:            key.Main,
			SubCategory:             key.Sub,
			Flags:                   model.FlagsAll,
		}
		require.NoError(t, h.contents.Create(context.Background(), rec))
	}
}

func TestSynthesisEligibility(t *testing.T) {
	h := newHarness(t, model.ModeSync)
	ai := model.CategoryKey{Main: "Tech", Sub: "AI"}
	db := model.CategoryKey{Main: "Tech", Sub: "Databases"}
	seedCategorized(t, h, ai, 4)
	seedCategorized(t, h, db, 2)

	report, err := h.synthesis.GenerateForEligibleCategories(context.Background(), 3, false, nil)
	require.NoError(t, err)
	require.Len(t, report.Generated, 1)
	require.Equal(t, ai, report.Generated[0].CategoryKey)
	require.Equal(t, 4, report.Generated[0].SourceCount)
	require.Len(t, report.Skipped, 1)
	require.Equal(t, model.SynthesisSkipIneligible, report.Skipped[0].Reason)

	doc, err := h.syntheses.Get(context.Background(), ai)
	require.NoError(t, err)
	require.Equal(t, 4, doc.SourceCount)
	require.Len(t, doc.SourceContentIDs, 4)
	require.Equal(t, []string{"one", "two"}, doc.KeyInsights)
	require.Equal(t, "fake-synthesis", doc.Model)

	_, err = h.syntheses.Get(context.Background(), db)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestSynthesisSkipsExistingUnlessForced(t *testing.T) {
	h := newHarness(t, model.ModeSync)
	key := model.CategoryKey{Main: "Tech", Sub: "AI"}
	seedCategorized(t, h, key, 4)
	h.synthesis.now = func() time.Time { return time.UnixMilli(1000) }

	_, err := h.synthesis.GenerateForEligibleCategories(context.Background(), 3, false, nil)
	require.NoError(t, err)
	first, _ := h.syntheses.Get(context.Background(), key)

	h.synthesis.now = func() time.Time { return time.UnixMilli(2000) }
	report, err := h.synthesis.GenerateForEligibleCategories(context.Background(), 3, false, nil)
	require.NoError(t, err)
	require.Empty(t, report.Generated)
	require.Len(t, report.Skipped, 1)
	require.Equal(t, model.SynthesisSkipAlreadyExists, report.Skipped[0].Reason)
	again, _ := h.syntheses.Get(context.Background(), key)
	require.Equal(t, first.Mtime, again.Mtime)
	require.Equal(t, 1, h.provider.callCount("synthesis"))

	report, err = h.synthesis.GenerateForEligibleCategories(context.Background(), 3, true, nil)
	require.NoError(t, err)
	require.Len(t, report.Generated, 1)
	forced, _ := h.syntheses.Get(context.Background(), key)
	require.Equal(t, first.ID, forced.ID)
	require.Equal(t, int64(2000), forced.Mtime)
	docs, _ := h.syntheses.List(context.Background())
	require.Len(t, docs, 1)
}

func TestSynthesisFailureIsolated(t *testing.T) {
	h := newHarness(t, model.ModeSync)
	seedCategorized(t, h, model.CategoryKey{Main: "Tech", Sub: "AI"}, 3)
	seedCategorized(t, h, model.CategoryKey{Main: "Life", Sub: "Cooking"}, 3)
	h.provider.failText = "Life/Cooking"

	report, err := h.synthesis.GenerateForEligibleCategories(context.Background(), 3, false, nil)
	require.NoError(t, err)
	require.Len(t, report.Generated, 1)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "Cooking", report.Failed[0].Sub)
	require.NotEmpty(t, report.Failed[0].Error)
}

func TestMarkStale(t *testing.T) {
	h := newHarness(t, model.ModeSync)
	key := model.CategoryKey{Main: "Tech", Sub: "AI"}
	seedCategorized(t, h, key, 3)
	_, err := h.synthesis.GenerateForEligibleCategories(context.Background(), 3, false, nil)
	require.NoError(t, err)

	report, err := h.synthesis.MarkStale(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []model.CategoryKey{key}, report.Marked)
	doc, err := h.syntheses.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, doc.IsStale)

	report, err = h.synthesis.MarkStale(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []model.CategoryKey{key}, report.Cleared)
}
