package model

type SynthesisDocument struct {
	ID               string   `json:"id"`
	MainCategory     string   `json:"main_category"`
	SubCategory      string   `json:"sub_category"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Summary          string   `json:"summary"`
	KeyInsights      []string `json:"key_insights"`
	SourceCount      int      `json:"source_count"`
	SourceContentIDs []string `json:"source_content_ids"`
	Model            string   `json:"model_used"`
	IsStale          bool     `json:"is_stale"`
	Ctime            int64    `json:"ctime"`
	Mtime            int64    `json:"updated_at"`
}

func (d *SynthesisDocument) Category() CategoryKey {
	return CategoryKey{Main: d.MainCategory, Sub: d.SubCategory}
}

// EmbeddingText prefers the summary; content is markdown and is flattened by the caller.
func (d *SynthesisDocument) EmbeddingText() string {
	if d.Summary != "" {
		return d.Title + "\n" + d.Summary
	}
	return d.Content
}

const (
	SynthesisSkipAlreadyExists = "already_exists"
	SynthesisSkipIneligible    = "ineligible"
)

type SynthesisOutcome struct {
	CategoryKey
	SourceCount int    `json:"source_count"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

type SynthesisReport struct {
	Generated []SynthesisOutcome `json:"generated"`
	Skipped   []SynthesisOutcome `json:"skipped"`
	Failed    []SynthesisOutcome `json:"failed"`
}
