package gitsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

// SyncError reports a failed staging step. The remote workspace is left
// in place for inspection, never auto-cleaned.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("code sync failed (%s): %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Synchronizer materializes one captured CodeVersion inside a fresh
// remote workspace directory.
type Synchronizer struct {
	runner  remote.Runner
	version models.CodeVersion
	logger  *zap.Logger
}

// NewSynchronizer creates a synchronizer for one captured version.
func NewSynchronizer(runner remote.Runner, version models.CodeVersion, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{runner: runner, version: version, logger: logger}
}

// Stage creates the workspace, clones the repository at depth 1 and checks
// out the exact captured commit. The staged tree must equal the captured
// CodeVersion; a failed checkout fails the submission rather than falling
// back to the branch tip.
func (s *Synchronizer) Stage(ctx context.Context, workspace string) error {
	mkdir, err := s.runner.Run(ctx, fmt.Sprintf("mkdir -p %s", remote.ShellQuote(workspace)))
	if err != nil {
		return &SyncError{Op: "create workspace", Err: err}
	}
	if !mkdir.Ok() {
		return &SyncError{Op: "create workspace", Err: fmt.Errorf("mkdir failed: %s", mkdir.Stderr)}
	}

	s.logger.Info("cloning repository",
		zap.String("repo", s.version.RepoURL),
		zap.String("branch", s.version.Branch),
		zap.String("workspace", workspace),
	)
	clone := fmt.Sprintf("git clone --depth 1 --branch %s %s %s",
		remote.ShellQuote(s.version.Branch),
		remote.ShellQuote(s.version.RepoURL),
		remote.ShellQuote(workspace),
	)
	result, err := s.runner.Run(ctx, clone)
	if err != nil {
		return &SyncError{Op: "clone", Err: err}
	}
	if !result.Ok() {
		return &SyncError{Op: "clone", Err: fmt.Errorf("git clone failed: %s", result.Stderr)}
	}

	if err := s.checkout(ctx, workspace); err != nil {
		return err
	}

	s.logger.Info("repository staged",
		zap.String("commit", s.version.ShortCommit()),
		zap.String("workspace", workspace),
	)
	return nil
}

// checkout pins the workspace to the captured commit. A commit outside
// the shallow history is fetched by hash first.
func (s *Synchronizer) checkout(ctx context.Context, workspace string) error {
	ws := remote.ShellQuote(workspace)
	commit := remote.ShellQuote(s.version.Commit)

	result, err := s.runner.Run(ctx, fmt.Sprintf("cd %s && git checkout --detach %s", ws, commit))
	if err != nil {
		return &SyncError{Op: "checkout", Err: err}
	}
	if result.Ok() {
		return nil
	}

	fetch := fmt.Sprintf("cd %s && git fetch --depth 1 origin %s && git checkout --detach %s", ws, commit, commit)
	result, err = s.runner.Run(ctx, fetch)
	if err != nil {
		return &SyncError{Op: "checkout", Err: err}
	}
	if !result.Ok() {
		return &SyncError{
			Op:  "checkout",
			Err: fmt.Errorf("commit %s is not reachable in %s: %s", s.version.ShortCommit(), s.version.RepoURL, result.Stderr),
		}
	}
	return nil
}
