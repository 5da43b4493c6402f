package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/model"
)

func TestPaths(t *testing.T) {
	rec := &model.ContentRecord{ID: "r1", MainCategory: "Machine Learning", SubCategory: "LLM / Agents"}
	require.Equal(t, "items/machine-learning/llm-agents/r1.md", RecordPath(rec))

	doc := &model.SynthesisDocument{MainCategory: "Tech", SubCategory: "C++"}
	require.Equal(t, "syntheses/tech/c.md", SynthesisPath(doc))

	require.Equal(t, "items/uncategorized/uncategorized/r2.md", RecordPath(&model.ContentRecord{ID: "r2"}))
}

func TestRenderRecord(t *testing.T) {
	rec := &model.ContentRecord{
		ID:                      "r1",
		SourceType:              model.SourceTypeTwitter,
		SourceID:                "42",
		Title:                   "Vector search",
		Text:                    "line one\nline two",
		Author:                  "alice",
		MainCategory:            "Tech",
		SubCategory:             "AI",
		CollectiveUnderstanding: "An explanation.",
		MediaAnalysis:           []model.MediaFinding{{URL: "https://img/1.png", Type: model.MediaTypePhoto, Description: "a chart"}},
		UnderstandingModel:      "gemini-2.5-flash",
	}
	data, err := RenderRecord(rec)
	require.NoError(t, err)
	out := string(data)
	require.True(t, strings.HasPrefix(out, "---\nid: r1\n"))
	require.Contains(t, out, "category: Tech/AI\n")
	require.Contains(t, out, "understanding: gemini-2.5-flash")
	require.Contains(t, out, "# Vector search\n")
	require.Contains(t, out, "> line one\n> line two\n")
	require.Contains(t, out, "- [photo](https://img/1.png): a chart\n")
}

func TestRenderSynthesis(t *testing.T) {
	doc := &model.SynthesisDocument{
		ID:               "s1",
		MainCategory:     "Tech",
		SubCategory:      "AI",
		Title:            "AI notes",
		Summary:          "Short summary.",
		KeyInsights:      []string{"first", "second"},
		Content:          "## Overview\n\nBody.",
		SourceCount:      2,
		SourceContentIDs: []string{"r1", "r2"},
	}
	data, err := RenderSynthesis(doc)
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, "source_count: 2\n")
	require.Contains(t, out, "# AI notes\n\nShort summary.\n\n## Key insights\n\n- first\n- second\n\n## Overview")
}

func TestRenderIndex(t *testing.T) {
	data, err := RenderIndex("KB <test>", "# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, "<title>KB &lt;test&gt;</title>")
	require.Contains(t, out, `<h1 id="title">Title</h1>`)
	require.Contains(t, out, "<table>")
}
