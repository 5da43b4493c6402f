package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

type ManagerConfig struct {
	Timeout       int
	MaxInputChars int
}

// Manager owns the prompts of every AI-backed step. Callers pass the
// generator resolved for the step's logical phase.
type Manager struct {
	cfg ManagerConfig
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) AnalyzeMedia(ctx context.Context, gen IGenerator, rec *model.ContentRecord, media model.MediaItem) (string, error) {
	prompt := fmt.Sprintf(`You are analysing an image attached to a saved social media post.
Describe what the image shows and any text, diagrams or code visible in it.
Relate the description to the post when relevant.
- Output plain text, at most one paragraph.

POST:
%s

ALT TEXT:
%s`, m.clip(rec.Text), media.AltText)
	return m.generateText(ctx, gen, prompt, ImageRef{URL: media.URL})
}

func (m *Manager) Understand(ctx context.Context, gen IGenerator, rec *model.ContentRecord) (string, error) {
	var sb strings.Builder
	for i, finding := range rec.MediaAnalysis {
		fmt.Fprintf(&sb, "[media %d] %s\n", i+1, finding.Description)
	}
	media := sb.String()
	if media == "" {
		media = "(none)"
	}
	prompt := fmt.Sprintf(`You are building a personal technical knowledge base.
Explain the saved post below so it can be understood without the original context.
- Cover the main idea, why it matters and any concrete techniques, tools or numbers.
- Use the media descriptions as additional context.
- Output plain text, 1-3 short paragraphs, in the language of the post.

AUTHOR: %s

POST:
%s

MEDIA:
%s`, rec.Author, m.clip(rec.Text), media)
	return m.generateText(ctx, gen, prompt)
}

func (m *Manager) Categorize(ctx context.Context, gen IGenerator, rec *model.ContentRecord, known []model.CategoryKey) (model.CategoryKey, error) {
	existing := make([]string, 0, len(known))
	for _, k := range known {
		existing = append(existing, k.String())
	}
	hint := "(none yet)"
	if len(existing) > 0 {
		hint = strings.Join(existing, "\n")
	}
	prompt := fmt.Sprintf(`You are organising a technical knowledge base into a two level taxonomy.
Pick a main category and a sub category for the content below.
- Reuse an existing pair when it fits.
- Names are short, title case, without slashes.
- Return a JSON object only: {"main_category": "...", "sub_category": "..."}

EXISTING CATEGORIES:
%s

CONTENT:
%s`, hint, m.clip(rec.CollectiveUnderstanding))
	out, err := m.generateText(ctx, gen, prompt)
	if err != nil {
		return model.CategoryKey{}, err
	}
	return parseCategory(out)
}

type SynthesisDraft struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	KeyInsights []string `json:"key_insights"`
	Content     string   `json:"content"`
}

func (m *Manager) Synthesize(ctx context.Context, gen IGenerator, key model.CategoryKey, records []*model.ContentRecord) (*SynthesisDraft, error) {
	var sb strings.Builder
	for i, rec := range records {
		fmt.Fprintf(&sb, "### Item %d (%s)\n%s\n\n", i+1, rec.ID, rec.CollectiveUnderstanding)
	}
	prompt := fmt.Sprintf(`You are writing a synthesis page for the knowledge base category %q.
Combine the items below into one coherent document.
- Identify shared themes, contrasting views and practical takeaways.
- content is markdown with headings, it must not repeat the title.
- Return a JSON object only:
  {"title": "...", "summary": "2-3 sentences", "key_insights": ["..."], "content": "..."}

ITEMS:
%s`, key.String(), m.clip(sb.String()))
	out, err := m.generateText(ctx, gen, prompt)
	if err != nil {
		return nil, err
	}
	return parseSynthesis(out)
}

func (m *Manager) RenderReadme(ctx context.Context, gen IGenerator, stats *model.ContentStats, syntheses []*model.SynthesisDocument) (string, error) {
	var cats strings.Builder
	for _, c := range stats.Categories {
		fmt.Fprintf(&cats, "- %s: %d items\n", c.CategoryKey.String(), c.Count)
	}
	var syn strings.Builder
	for _, doc := range syntheses {
		fmt.Fprintf(&syn, "- %s (%s): %s\n", doc.Title, doc.Category().String(), doc.Summary)
	}
	prompt := fmt.Sprintf(`You are writing the README.md landing page of a knowledge base repository.
- Start with a level one heading and a short introduction.
- Include an overview table of categories with item counts.
- List the synthesis documents with one line each.
- Output ONLY markdown.

TOTAL ITEMS: %d
FULLY PROCESSED: %d

CATEGORIES:
%s
SYNTHESES:
%s`, stats.Total, stats.FullyProcessed, cats.String(), syn.String())
	return m.generateText(ctx, gen, prompt)
}

func (m *Manager) generateText(ctx context.Context, gen IGenerator, prompt string, images ...ImageRef) (string, error) {
	if gen == nil {
		return "", fmt.Errorf("generator not configured: %w", appErr.ErrUnavailable)
	}
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := gen.Generate(ctx, prompt, images...)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (m *Manager) clip(text string) string {
	if m.cfg.MaxInputChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= m.cfg.MaxInputChars {
		return text
	}
	return string(runes[:m.cfg.MaxInputChars])
}

func (m *Manager) MaxInputChars() int {
	return m.cfg.MaxInputChars
}
