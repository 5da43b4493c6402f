package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo runs git commands against one working tree via "git -C <dir>".
type Repo struct {
	dir string
}

func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

func (r *Repo) Dir() string {
	return r.dir
}

// Run returns stdout. Stderr is folded into the error on failure.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Ensure creates the directory and initializes a repository on branch when
// none exists yet.
func (r *Repo) Ensure(ctx context.Context, branch string) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	}
	if _, err := r.Run(ctx, "init", "-q"); err != nil {
		return err
	}
	_, err := r.Run(ctx, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	return err
}

// Changed reports whether the working tree differs from HEAD.
func (r *Repo) Changed(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Head returns the current commit hash, or "" on an unborn branch.
func (r *Repo) Head(ctx context.Context) string {
	out, err := r.Run(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// CommitAll stages every change and commits it as the given author.
func (r *Repo) CommitAll(ctx context.Context, message, name, email string) (string, error) {
	if _, err := r.Run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.Run(ctx,
		"-c", "user.name="+name,
		"-c", "user.email="+email,
		"commit", "-q", "-m", message,
	); err != nil {
		return "", err
	}
	return r.Head(ctx), nil
}

func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "push", remote, "HEAD:refs/heads/"+branch)
	return err
}
