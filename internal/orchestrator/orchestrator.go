package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/gitsync"
	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/monitor"
	"github.com/myjob-hpc/myjob/internal/remote"
	"github.com/myjob-hpc/myjob/internal/store"
	"github.com/myjob-hpc/myjob/internal/submit"
)

// Pipeline phase names. Every fatal error names the phase it failed in so
// the user can resume from that point.
const (
	PhaseConfig      = "config resolution"
	PhaseConnect     = "connect"
	PhaseEnvironment = "environment check"
	PhaseSync        = "code sync"
	PhaseSubmit      = "submit"
)

// PhaseError wraps a fatal pipeline error with the phase it occurred in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// RemoteSession is the session handle passed into every component that
// needs remote access, scoped to one invocation and closed on all exit
// paths.
type RemoteSession interface {
	remote.Runner
	WriteFile(ctx context.Context, remotePath, content string) error
	Stream(ctx context.Context, command string, w io.Writer) error
	CheckEnvironment(ctx context.Context) (*models.RemoteEnvironmentInfo, error)
	Close() error
}

// DialFunc opens a session. Tests substitute a fake transport here.
type DialFunc func(ctx context.Context, conn config.ConnectionConfig, logger *zap.Logger) (RemoteSession, error)

func defaultDial(ctx context.Context, conn config.ConnectionConfig, logger *zap.Logger) (RemoteSession, error) {
	return remote.Dial(ctx, conn, logger)
}

// InspectFunc captures the local working copy state. Tests substitute a
// canned checkout.
type InspectFunc func(ctx context.Context) (*gitsync.LocalCheckout, error)

// Orchestrator drives the job lifecycle: submission pipeline, status
// reconciliation, logs, cancellation, listing and node inventory.
type Orchestrator struct {
	store   *store.Store
	dial    DialFunc
	inspect InspectFunc
	logger  *zap.Logger
}

// New creates an orchestrator over the given record store.
func New(st *store.Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   st,
		dial:    defaultDial,
		inspect: gitsync.Inspect,
		logger:  logger,
	}
}

// NewWithDialer creates an orchestrator with a custom transport and local
// inspector, for tests.
func NewWithDialer(st *store.Store, dial DialFunc, inspect InspectFunc, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: st, dial: dial, inspect: inspect, logger: logger}
}

// SubmitOptions are the caller-supplied knobs for one submission.
type SubmitOptions struct {
	ConfigPath string
	Overrides  map[string]interface{}
	Force      bool
	DryRun     bool
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Record *models.JobRecord
	Status models.JobStatus
	// Rendered scripts, populated for dry runs.
	JobScript string
	EnvScript string
}

// Submit runs the five-phase pipeline: config resolution, connect,
// environment check, code sync, submit; then records the job and takes an
// opportunistic initial status reading. A dirty local tree halts before
// any remote contact unless forced.
func (o *Orchestrator) Submit(ctx context.Context, opts SubmitOptions) (*SubmitResult, error) {
	cfg, err := config.Resolve(opts.ConfigPath, opts.Overrides)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseConfig, Err: err}
	}

	checkout, err := o.inspect(ctx)
	if err != nil && !errors.Is(err, gitsync.ErrNoRepository) {
		return nil, &PhaseError{Phase: PhaseSync, Err: err}
	}
	version, err := gitsync.ResolveVersion(cfg.Git, checkout)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseSync, Err: err}
	}
	if version.Dirty && !opts.Force {
		return nil, &PhaseError{Phase: PhaseSync, Err: gitsync.ErrDirtyTree}
	}
	if version.Dirty {
		o.logger.Warn("submitting with uncommitted changes; only committed code is staged",
			zap.Int("dirty_files", len(checkout.DirtyFiles)),
		)
	}

	engine := submit.NewEngine(cfg, o.logger)
	if opts.DryRun {
		workspace := path.Join("~", ".myjob", "workspaces", "<local_id>")
		return &SubmitResult{
			JobScript: engine.RenderJobScript(workspace),
			EnvScript: engine.RenderEnvScript(),
		}, nil
	}

	session, err := o.dial(ctx, cfg.Connection, o.logger)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseConnect, Err: err}
	}
	defer session.Close()

	envInfo, err := session.CheckEnvironment(ctx)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseEnvironment, Err: err}
	}

	localID := models.NewLocalID()
	workspace := path.Join(envInfo.WorkspaceBase, localID)

	syncer := gitsync.NewSynchronizer(session, version, o.logger)
	if err := syncer.Stage(ctx, workspace); err != nil {
		return nil, &PhaseError{Phase: PhaseSync, Err: err}
	}
	if version.Dirty {
		o.uploadPatch(ctx, session, workspace)
	}

	slurmJobID, err := engine.Submit(ctx, session, workspace)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseSubmit, Err: err}
	}

	rec := &models.JobRecord{
		LocalID:       localID,
		SlurmJobID:    slurmJobID,
		Name:          cfg.Name,
		Host:          cfg.Connection.Host,
		RemoteDir:     workspace,
		Code:          version,
		Status:        models.StatePending,
		SubmittedAt:   time.Now().UTC(),
		SubmittedFrom: submittedFrom(),
		Config:        cfg,
	}

	status := monitor.NewReconciler(session, o.logger).Status(ctx, slurmJobID)
	if status.State != models.StateUnknown {
		rec.Status = status.State
	}

	if err := o.store.Save(rec); err != nil {
		return nil, fmt.Errorf("job %s submitted but recording it failed: %w", slurmJobID, err)
	}

	o.logger.Info("submission recorded",
		zap.String("local_id", localID),
		zap.String("slurm_job_id", slurmJobID),
		zap.String("workspace", workspace),
	)
	return &SubmitResult{Record: rec, Status: status}, nil
}

// uploadPatch stores the local uncommitted diff next to the staged code
// so a forced dirty submission stays reproducible. Best effort.
func (o *Orchestrator) uploadPatch(ctx context.Context, session RemoteSession, workspace string) {
	patch, err := gitsync.UncommittedPatch(ctx)
	if err != nil || strings.TrimSpace(patch) == "" {
		return
	}
	if err := session.WriteFile(ctx, path.Join(workspace, "uncommitted.patch"), patch); err != nil {
		o.logger.Warn("failed to upload uncommitted patch", zap.Error(err))
	}
}

// Status resolves the current state of a recorded job. Unknown references
// fail with store.ErrNotFound before any remote contact. The fresh state
// is cached on the record opportunistically.
func (o *Orchestrator) Status(ctx context.Context, ref string) (*models.JobRecord, models.JobStatus, error) {
	rec, err := o.store.Find(ref)
	if err != nil {
		return nil, models.JobStatus{}, err
	}

	session, err := o.dial(ctx, rec.Config.Connection, o.logger)
	if err != nil {
		return rec, models.JobStatus{}, &PhaseError{Phase: PhaseConnect, Err: err}
	}
	defer session.Close()

	status := monitor.NewReconciler(session, o.logger).Status(ctx, rec.SlurmJobID)
	if status.State != models.StateUnknown && status.State != rec.Status {
		if err := o.store.UpdateStatus(rec.LocalID, status.State); err != nil {
			o.logger.Warn("failed to cache job status", zap.String("local_id", rec.LocalID), zap.Error(err))
		} else {
			rec.Status = status.State
		}
	}

	if status.State.IsTerminal() {
		o.finishJob(ctx, session, rec)
	}

	return rec, status, nil
}

// finishJob handles the opt-in post-completion output settings: fetch listed
// files locally, then clean the remote workspace and drop the record when
// output.cleanup is set.
func (o *Orchestrator) finishJob(ctx context.Context, session RemoteSession, rec *models.JobRecord) {
	if rec.Config == nil {
		return
	}

	if len(rec.Config.Output.Fetch) > 0 {
		destDir := filepath.Join("myjob-outputs", rec.LocalID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			o.logger.Warn("failed to create output directory", zap.Error(err))
			return
		}
		for _, rel := range rec.Config.Output.Fetch {
			result, err := session.Run(ctx, fmt.Sprintf("cat %s", remote.ShellQuote(path.Join(rec.RemoteDir, rel))))
			if err != nil || !result.Ok() {
				o.logger.Warn("failed to fetch output file", zap.String("file", rel))
				continue
			}
			dest := filepath.Join(destDir, filepath.Base(rel))
			if err := os.WriteFile(dest, []byte(result.Stdout), 0o644); err != nil {
				o.logger.Warn("failed to write output file", zap.String("file", dest), zap.Error(err))
			}
		}
	}

	if rec.Config.Output.Cleanup {
		result, err := session.Run(ctx, fmt.Sprintf("rm -rf %s", remote.ShellQuote(rec.RemoteDir)))
		if err != nil || !result.Ok() {
			o.logger.Warn("failed to clean remote workspace", zap.String("workspace", rec.RemoteDir))
			return
		}
		if err := o.store.Delete(rec.LocalID); err != nil {
			o.logger.Warn("failed to delete job record", zap.String("local_id", rec.LocalID), zap.Error(err))
		}
	}
}

// LogOptions controls log retrieval.
type LogOptions struct {
	Follow bool
	Lines  int
	Stderr bool
	Out    io.Writer
}

// Logs fetches or follows the logs of a recorded job.
func (o *Orchestrator) Logs(ctx context.Context, ref string, opts LogOptions) error {
	rec, err := o.store.Find(ref)
	if err != nil {
		return err
	}

	session, err := o.dial(ctx, rec.Config.Connection, o.logger)
	if err != nil {
		return &PhaseError{Phase: PhaseConnect, Err: err}
	}
	defer session.Close()

	viewer := monitor.NewViewer(o.logger)
	if opts.Follow {
		return viewer.Follow(ctx, session, rec, opts.Out)
	}

	content, err := viewer.Fetch(ctx, session, rec, opts.Lines)
	if err != nil {
		return err
	}
	text := content.Stdout
	if opts.Stderr {
		text = content.Stderr
	}
	if text != "" {
		fmt.Fprintln(opts.Out, text)
	}
	return nil
}

// Cancel terminates a recorded job. The cached record status becomes
// CANCELLED on success; cancellation never depends on a status query.
func (o *Orchestrator) Cancel(ctx context.Context, ref string, force bool) (*models.JobRecord, error) {
	rec, err := o.store.Find(ref)
	if err != nil {
		return nil, err
	}

	session, err := o.dial(ctx, rec.Config.Connection, o.logger)
	if err != nil {
		return rec, &PhaseError{Phase: PhaseConnect, Err: err}
	}
	defer session.Close()

	if err := monitor.NewReconciler(session, o.logger).Cancel(ctx, rec.SlurmJobID, force); err != nil {
		return rec, err
	}
	if err := o.store.UpdateStatus(rec.LocalID, models.StateCancelled); err != nil {
		o.logger.Warn("job cancelled but caching the status failed", zap.Error(err))
	}
	rec.Status = models.StateCancelled
	return rec, nil
}

// List returns all locally recorded jobs, newest first. No remote contact.
func (o *Orchestrator) List() ([]models.JobRecord, error) {
	return o.store.List()
}

// Nodes returns the cluster node inventory, optionally filtered by
// partition. The connection comes from the resolved configuration.
func (o *Orchestrator) Nodes(ctx context.Context, configPath, partition string) ([]models.NodeSnapshot, error) {
	cfg, err := config.Resolve(configPath, nil)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseConfig, Err: err}
	}

	session, err := o.dial(ctx, cfg.Connection, o.logger)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseConnect, Err: err}
	}
	defer session.Close()

	return monitor.NewInventory(session, o.logger).ListNodes(ctx, partition)
}

// Init writes starter configuration files into dir. Existing files are
// never overwritten.
func (o *Orchestrator) Init(dir string, withSecret bool) ([]string, error) {
	var written []string

	configPath := filepath.Join(dir, "myjob.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return nil, fmt.Errorf("%s already exists", configPath)
	}
	if err := os.WriteFile(configPath, []byte(config.Sample()), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", configPath, err)
	}
	written = append(written, configPath)

	if withSecret {
		secretPath := filepath.Join(dir, "secret.yaml")
		if _, err := os.Stat(secretPath); err == nil {
			return written, fmt.Errorf("%s already exists", secretPath)
		}
		if err := os.WriteFile(secretPath, []byte(config.SampleSecret()), 0o600); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", secretPath, err)
		}
		written = append(written, secretPath)
	}
	return written, nil
}

// submittedFrom fingerprints the submitting workstation as user@host.
func submittedFrom() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	info, err := host.Info()
	if err != nil || info.Hostname == "" {
		return user
	}
	return fmt.Sprintf("%s@%s", user, info.Hostname)
}
