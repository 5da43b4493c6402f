package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
database:
  host: db
ai:
  providers:
    - type: gemini
      data:
        api_key: k
  routes:
    synthesis:
      - provider: gemini
        model: gemini-2.5-flash
        temperature: 0.2
export:
  repo_dir: /data/kb
schedule:
  pipeline: "0 */6 * * *"
`

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "gemini", cfg.AI.Providers[0].Name)
	require.Len(t, cfg.AI.Routes["synthesis"], 1)
	require.NotNil(t, cfg.AI.Routes["synthesis"][0].Temperature)
	require.InDelta(t, 0.2, *cfg.AI.Routes["synthesis"][0].Temperature, 1e-6)
	require.Equal(t, 3, cfg.Pipeline.MinItemsPerCategory)
	require.Equal(t, 100, cfg.Pipeline.MaxResults)
	require.Equal(t, ModeAsync, cfg.Pipeline.Mode)
	require.Equal(t, 256, cfg.Pipeline.EventBuffer)
	require.Equal(t, "json", cfg.Source.Type)
	require.Equal(t, "main", cfg.Export.Branch)
	require.Equal(t, "0 */6 * * *", cfg.Schedule.Pipeline)
	require.Equal(t, 30, cfg.EmbeddingCache.CleanupDays)
}

func TestParseJSONValidation(t *testing.T) {
	_, err := Parse([]byte(`{"ai": {"providers": [{"type": "openai"}]}}`), ".json")
	require.ErrorContains(t, err, "database")

	_, err = Parse([]byte(`{"database": {"dsn": "postgres://x"}}`), ".json")
	require.ErrorContains(t, err, "ai.providers")

	_, err = Parse([]byte(`{"database": {"dsn": "postgres://x"}, "ai": {"providers": [{"type": "openai"}, {"type": "openai"}]}}`), ".json")
	require.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte(`{"database": {"dsn": "postgres://x"}, "ai": {"providers": [{"type": "openai"}]}, "pipeline": {"mode": "parallel"}}`), ".json")
	require.ErrorContains(t, err, "pipeline.mode")

	cfg, err := Parse([]byte(`{"database": {"dsn": "postgres://x"}, "ai": {"providers": [{"name": "fast", "type": "openai"}]}, "pipeline": {"mode": "sync", "concurrency": 2}}`), ".json")
	require.NoError(t, err)
	require.Equal(t, ModeSync, cfg.Pipeline.Mode)
	require.Equal(t, 2, cfg.Pipeline.Concurrency)
	require.Equal(t, "fast", cfg.AI.Providers[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
