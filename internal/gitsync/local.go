package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/models"
)

// ErrDirtyTree reports uncommitted local changes. It is non-fatal: the
// pipeline halts unless the caller explicitly forces past it.
var ErrDirtyTree = errors.New("local working tree has uncommitted changes")

// ErrNoRepository reports that the working directory is not inside a git
// checkout and no repository was configured.
var ErrNoRepository = errors.New("not inside a git repository and no git.repo_url configured")

// LocalCheckout is the inspected state of the local working copy.
type LocalCheckout struct {
	RepoRoot   string
	RemoteURL  string
	Branch     string
	Commit     string
	Message    string
	DirtyFiles []string
}

// IsClean reports whether the working tree has no uncommitted changes.
// Only committed code is ever shipped; this predicate cannot be skipped.
func (c *LocalCheckout) IsClean() bool {
	return len(c.DirtyFiles) == 0
}

// Inspect captures the state of the local git checkout. It returns
// ErrNoRepository when the working directory is not under git.
func Inspect(ctx context.Context) (*LocalCheckout, error) {
	if _, err := git(ctx, "rev-parse", "--git-dir"); err != nil {
		return nil, ErrNoRepository
	}

	root, err := git(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	branch, err := git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current branch: %w", err)
	}
	commit, err := git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current commit: %w", err)
	}
	message, err := git(ctx, "log", "-1", "--format=%s")
	if err != nil {
		message = ""
	}

	// The origin remote is optional; a detached local repo can still be
	// submitted when git.repo_url is configured.
	remoteURL, _ := git(ctx, "remote", "get-url", "origin")

	status, err := git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to check working tree status: %w", err)
	}
	var dirty []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) > 3 {
			dirty = append(dirty, strings.TrimSpace(line[3:]))
		}
	}

	return &LocalCheckout{
		RepoRoot:   root,
		RemoteURL:  remoteURL,
		Branch:     branch,
		Commit:     commit,
		Message:    message,
		DirtyFiles: dirty,
	}, nil
}

// UncommittedPatch returns the diff of the working tree against HEAD, for
// upload next to forced submissions so a dirty run stays reproducible.
func UncommittedPatch(ctx context.Context) (string, error) {
	return git(ctx, "diff", "HEAD")
}

// ResolveVersion merges the configured code selector over the detected
// local state into the CodeVersion that will be staged. Configured fields
// win; empty ones fall back to local detection. checkout may be nil when
// the repository is fully configured.
func ResolveVersion(cfg config.GitConfig, checkout *LocalCheckout) (models.CodeVersion, error) {
	v := models.CodeVersion{
		RepoURL: cfg.RepoURL,
		Branch:  cfg.Branch,
		Commit:  cfg.Commit,
	}
	if checkout != nil {
		if v.RepoURL == "" {
			v.RepoURL = checkout.RemoteURL
		}
		if v.Branch == "" {
			v.Branch = checkout.Branch
		}
		if v.Commit == "" {
			v.Commit = checkout.Commit
		}
		v.Message = checkout.Message
		v.Dirty = !checkout.IsClean()
	}
	if v.RepoURL == "" {
		return models.CodeVersion{}, ErrNoRepository
	}
	if v.Branch == "" {
		v.Branch = "main"
	}
	if v.Commit == "" {
		return models.CodeVersion{}, fmt.Errorf("no commit to stage: set git.commit or submit from a git checkout")
	}
	return v, nil
}

// git runs one git command in the working directory and returns trimmed
// stdout.
func git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
