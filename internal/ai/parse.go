package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xxxsen/markkb/internal/model"
	appErr "github.com/xxxsen/markkb/internal/pkg/errors"
)

// extractJSON strips code fences and surrounding chatter from a model reply.
func extractJSON(output string, openCh, closeCh string) string {
	clean := strings.TrimSpace(output)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	start := strings.Index(clean, openCh)
	end := strings.LastIndex(clean, closeCh)
	if start >= 0 && end > start {
		clean = clean[start : end+1]
	}
	return clean
}

func parseCategory(output string) (model.CategoryKey, error) {
	var out struct {
		Main string `json:"main_category"`
		Sub  string `json:"sub_category"`
	}
	if err := json.Unmarshal([]byte(extractJSON(output, "{", "}")), &out); err != nil {
		return model.CategoryKey{}, fmt.Errorf("parse category: %v: %w", err, appErr.ErrBadResponse)
	}
	key := model.CategoryKey{
		Main: normalizeCategory(out.Main),
		Sub:  normalizeCategory(out.Sub),
	}
	if key.Empty() {
		return model.CategoryKey{}, fmt.Errorf("category missing main or sub: %w", appErr.ErrBadResponse)
	}
	return key, nil
}

func normalizeCategory(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "-")
	return strings.Join(strings.Fields(name), " ")
}

func parseSynthesis(output string) (*SynthesisDraft, error) {
	var draft SynthesisDraft
	if err := json.Unmarshal([]byte(extractJSON(output, "{", "}")), &draft); err != nil {
		return nil, fmt.Errorf("parse synthesis: %v: %w", err, appErr.ErrBadResponse)
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Summary = strings.TrimSpace(draft.Summary)
	draft.Content = strings.TrimSpace(draft.Content)
	if draft.Title == "" || draft.Content == "" {
		return nil, fmt.Errorf("synthesis missing title or content: %w", appErr.ErrBadResponse)
	}
	insights := make([]string, 0, len(draft.KeyInsights))
	seen := make(map[string]bool)
	for _, item := range draft.KeyInsights {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		insights = append(insights, item)
	}
	draft.KeyInsights = insights
	return &draft, nil
}
