package export

import (
	"bytes"
	"fmt"
	"html"
	"path"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	rendererhtml "github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"

	"github.com/xxxsen/markkb/internal/model"
)

const (
	itemsDir      = "items"
	synthesesDir  = "syntheses"
	readmeFile    = "README.md"
	indexFile     = "index.html"
	uncategorized = "uncategorized"
)

// segment turns a category name into a stable path component.
func segment(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if out == "" {
		return uncategorized
	}
	return out
}

func categoryDir(key model.CategoryKey) string {
	return path.Join(segment(key.Main), segment(key.Sub))
}

func RecordPath(rec *model.ContentRecord) string {
	return path.Join(itemsDir, categoryDir(rec.Category()), rec.ID+".md")
}

func SynthesisPath(doc *model.SynthesisDocument) string {
	return path.Join(synthesesDir, categoryDir(doc.Category())+".md")
}

type recordFrontMatter struct {
	ID         string            `yaml:"id"`
	Source     string            `yaml:"source"`
	SourceID   string            `yaml:"source_id"`
	URL        string            `yaml:"url,omitempty"`
	Author     string            `yaml:"author,omitempty"`
	Category   string            `yaml:"category"`
	Thread     bool              `yaml:"thread,omitempty"`
	Engagement model.Engagement  `yaml:"engagement"`
	Models     map[string]string `yaml:"models,omitempty"`
}

type synthesisFrontMatter struct {
	ID          string   `yaml:"id"`
	Category    string   `yaml:"category"`
	SourceCount int      `yaml:"source_count"`
	Sources     []string `yaml:"sources"`
	Model       string   `yaml:"model,omitempty"`
	Stale       bool     `yaml:"stale,omitempty"`
	UpdatedAt   int64    `yaml:"updated_at"`
}

func writeFrontMatter(buf *bytes.Buffer, v interface{}) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(raw)
	buf.WriteString("---\n\n")
	return nil
}

func RenderRecord(rec *model.ContentRecord) ([]byte, error) {
	var buf bytes.Buffer
	fm := recordFrontMatter{
		ID:         rec.ID,
		Source:     rec.SourceType,
		SourceID:   rec.SourceID,
		URL:        rec.URL,
		Author:     rec.Author,
		Category:   rec.Category().String(),
		Thread:     rec.IsThread,
		Engagement: rec.Engagement,
		Models:     map[string]string{},
	}
	for name, m := range map[string]string{
		"vision":         rec.VisionModel,
		"understanding":  rec.UnderstandingModel,
		"categorization": rec.CategorizationModel,
	} {
		if m != "" {
			fm.Models[name] = m
		}
	}
	if err := writeFrontMatter(&buf, fm); err != nil {
		return nil, err
	}
	title := rec.Title
	if title == "" {
		title = rec.SourceID
	}
	fmt.Fprintf(&buf, "# %s\n\n", title)
	if rec.CollectiveUnderstanding != "" {
		fmt.Fprintf(&buf, "## Understanding\n\n%s\n\n", strings.TrimSpace(rec.CollectiveUnderstanding))
	}
	fmt.Fprintf(&buf, "## Original\n\n%s\n", quote(rec.Text))
	if len(rec.MediaAnalysis) > 0 {
		buf.WriteString("\n## Media\n\n")
		for _, f := range rec.MediaAnalysis {
			fmt.Fprintf(&buf, "- [%s](%s): %s\n", f.Type, f.URL, strings.TrimSpace(f.Description))
		}
	}
	return buf.Bytes(), nil
}

func quote(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight("> "+l, " ")
	}
	return strings.Join(lines, "\n")
}

func RenderSynthesis(doc *model.SynthesisDocument) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFrontMatter(&buf, synthesisFrontMatter{
		ID:          doc.ID,
		Category:    doc.Category().String(),
		SourceCount: doc.SourceCount,
		Sources:     doc.SourceContentIDs,
		Model:       doc.Model,
		Stale:       doc.IsStale,
		UpdatedAt:   doc.Mtime,
	}); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "# %s\n\n", doc.Title)
	if doc.Summary != "" {
		fmt.Fprintf(&buf, "%s\n\n", strings.TrimSpace(doc.Summary))
	}
	if len(doc.KeyInsights) > 0 {
		buf.WriteString("## Key insights\n\n")
		for _, in := range doc.KeyInsights {
			fmt.Fprintf(&buf, "- %s\n", in)
		}
		buf.WriteString("\n")
	}
	buf.WriteString(strings.TrimSpace(doc.Content))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

var htmlRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(rendererhtml.WithUnsafe()),
)

// RenderIndex wraps the README rendered as html into a standalone page.
func RenderIndex(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := htmlRenderer.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	buf.Write(body.Bytes())
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}
