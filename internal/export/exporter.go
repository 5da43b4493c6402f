package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/config"
	"github.com/xxxsen/markkb/internal/filestore"
	"github.com/xxxsen/markkb/internal/model"
)

const defaultTitle = "Knowledge Base"

// GitExporter writes the knowledge base as markdown into a git working tree
// and commits the result. items/ and syntheses/ are rebuilt on every export.
type GitExporter struct {
	cfg    config.ExportConfig
	repo   *Repo
	mirror filestore.Store
	now    func() time.Time
}

// NewGitExporter builds an exporter. mirror may be nil.
func NewGitExporter(cfg config.ExportConfig, mirror filestore.Store) (*GitExporter, error) {
	if cfg.RepoDir == "" {
		return nil, fmt.Errorf("export.repo_dir is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "markkb"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "markkb@localhost"
	}
	return &GitExporter{cfg: cfg, repo: NewRepo(cfg.RepoDir), mirror: mirror, now: time.Now}, nil
}

type file struct {
	path string
	data []byte
}

func (e *GitExporter) render(records []*model.ContentRecord, syntheses []*model.SynthesisDocument, readme *model.Readme) ([]file, error) {
	files := make([]file, 0, len(records)+len(syntheses)+2)
	for _, rec := range records {
		data, err := RenderRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("render record %s: %w", rec.ID, err)
		}
		files = append(files, file{path: RecordPath(rec), data: data})
	}
	for _, doc := range syntheses {
		data, err := RenderSynthesis(doc)
		if err != nil {
			return nil, fmt.Errorf("render synthesis %s: %w", doc.Category(), err)
		}
		files = append(files, file{path: SynthesisPath(doc), data: data})
	}
	if readme != nil && readme.Content != "" {
		files = append(files, file{path: readmeFile, data: []byte(readme.Content)})
		index, err := RenderIndex(defaultTitle, readme.Content)
		if err != nil {
			return nil, err
		}
		files = append(files, file{path: indexFile, data: index})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// ExportAndCommit writes every file, commits when the tree changed and
// optionally pushes and mirrors. A nil readme keeps the previous README.
func (e *GitExporter) ExportAndCommit(ctx context.Context, records []*model.ContentRecord, syntheses []*model.SynthesisDocument, readme *model.Readme) (*model.ExportResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("repo", e.cfg.RepoDir))
	files, err := e.render(records, syntheses, readme)
	if err != nil {
		return nil, err
	}
	if err := e.repo.Ensure(ctx, e.cfg.Branch); err != nil {
		return nil, err
	}
	for _, dir := range []string{itemsDir, synthesesDir} {
		if err := os.RemoveAll(filepath.Join(e.cfg.RepoDir, dir)); err != nil {
			return nil, fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, f := range files {
		target := filepath.Join(e.cfg.RepoDir, filepath.FromSlash(f.path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	result := &model.ExportResult{FilesWritten: len(files)}

	changed, err := e.repo.Changed(ctx)
	if err != nil {
		return nil, err
	}
	if changed {
		msg := fmt.Sprintf("Update knowledge base: %d items, %d syntheses (%s)",
			len(records), len(syntheses), e.now().UTC().Format(time.RFC3339))
		ref, err := e.repo.CommitAll(ctx, msg, e.cfg.AuthorName, e.cfg.AuthorEmail)
		if err != nil {
			return nil, err
		}
		result.CommitRef = ref
		logger.Info("knowledge base committed", zap.String("commit", ref), zap.Int("files", len(files)))
	} else {
		result.CommitRef = e.repo.Head(ctx)
		logger.Info("knowledge base unchanged", zap.String("commit", result.CommitRef))
	}

	if e.cfg.Push && changed {
		if err := e.repo.Push(ctx, e.cfg.Remote, e.cfg.Branch); err != nil {
			return result, err
		}
		result.Pushed = true
	}
	if e.mirror != nil {
		for _, f := range files {
			if err := e.mirror.Save(ctx, f.path, bytes.NewReader(f.data), int64(len(f.data))); err != nil {
				return result, fmt.Errorf("mirror %s to %s: %w", f.path, e.mirror.Type(), err)
			}
			result.Mirrored++
		}
		logger.Info("knowledge base mirrored", zap.String("store", e.mirror.Type()), zap.Int("files", result.Mirrored))
	}
	return result, nil
}
