package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/markkb/internal/model"
)

func init() {
	Register("json", createJSONSource)
}

// createJSONSource reads a json array of items, as produced by bookmark
// export tools.
func createJSONSource(args interface{}) (Source, error) {
	cfg, err := decodeConfig(args)
	if err != nil {
		return nil, err
	}
	return &fileSource{name: "json", load: jsonLoader(cfg.Path)}, nil
}

func jsonLoader(path string) loader {
	return func(ctx context.Context) ([]itemOrError, error) {
		_ = ctx
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read bookmarks: %w", err)
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode bookmarks: %w", err)
		}
		out := make([]itemOrError, 0, len(entries))
		for i, entry := range entries {
			var item model.ItemData
			if err := json.Unmarshal(entry, &item); err != nil {
				out = append(out, itemOrError{err: fmt.Errorf("bookmark #%d: %w", i, err)})
				continue
			}
			item.ID = strings.TrimSpace(item.ID)
			if item.ID == "" {
				out = append(out, itemOrError{err: fmt.Errorf("bookmark #%d: missing id", i)})
				continue
			}
			out = append(out, itemOrError{item: &item})
		}
		return out, nil
	}
}
