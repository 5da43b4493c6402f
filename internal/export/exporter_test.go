package export

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/markkb/internal/config"
	"github.com/xxxsen/markkb/internal/filestore"
	"github.com/xxxsen/markkb/internal/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func sampleRecords() []*model.ContentRecord {
	return []*model.ContentRecord{
		{ID: "r1", SourceID: "1", Title: "one", Text: "one", MainCategory: "Tech", SubCategory: "AI", Flags: model.FlagsAll},
		{ID: "r2", SourceID: "2", Title: "two", Text: "two", MainCategory: "Life", SubCategory: "Cooking", Flags: model.FlagsAll},
	}
}

func TestExportAndCommit(t *testing.T) {
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "kb")
	exp, err := NewGitExporter(config.ExportConfig{RepoDir: dir}, nil)
	require.NoError(t, err)
	docs := []*model.SynthesisDocument{{ID: "s1", MainCategory: "Tech", SubCategory: "AI", Title: "AI", Content: "body"}}
	readme := &model.Readme{Content: "# Knowledge Base\n"}

	res, err := exp.ExportAndCommit(context.Background(), sampleRecords(), docs, readme)
	require.NoError(t, err)
	require.Equal(t, 5, res.FilesWritten)
	require.NotEmpty(t, res.CommitRef)
	require.False(t, res.Pushed)
	for _, p := range []string{"items/tech/ai/r1.md", "items/life/cooking/r2.md", "syntheses/tech/ai.md", "README.md", "index.html"} {
		require.FileExists(t, filepath.Join(dir, p))
	}

	again, err := exp.ExportAndCommit(context.Background(), sampleRecords(), docs, readme)
	require.NoError(t, err)
	require.Equal(t, res.CommitRef, again.CommitRef)

	moved := sampleRecords()
	moved[0].SubCategory = "Databases"
	next, err := exp.ExportAndCommit(context.Background(), moved, docs, nil)
	require.NoError(t, err)
	require.NotEqual(t, res.CommitRef, next.CommitRef)
	require.NoFileExists(t, filepath.Join(dir, "items/tech/ai/r1.md"))
	require.FileExists(t, filepath.Join(dir, "items/tech/databases/r1.md"))
	require.FileExists(t, filepath.Join(dir, "README.md"))
}

func TestExportMirrorsFiles(t *testing.T) {
	requireGit(t)
	mirrorDir := t.TempDir()
	store, err := filestore.New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": mirrorDir}})
	require.NoError(t, err)
	exp, err := NewGitExporter(config.ExportConfig{RepoDir: filepath.Join(t.TempDir(), "kb")}, store)
	require.NoError(t, err)

	res, err := exp.ExportAndCommit(context.Background(), sampleRecords(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Mirrored)

	rc, err := store.Open(context.Background(), "items/tech/ai/r1.md")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	local, err := os.ReadFile(filepath.Join(exp.repo.Dir(), "items/tech/ai/r1.md"))
	require.NoError(t, err)
	require.Equal(t, local, data)
}

func TestNewGitExporterRequiresDir(t *testing.T) {
	_, err := NewGitExporter(config.ExportConfig{}, nil)
	require.Error(t, err)
}
