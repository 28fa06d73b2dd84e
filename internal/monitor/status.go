package monitor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

// Reconciler maps the scheduler's heterogeneous text output to a
// normalized job status. Queries that yield nothing parseable resolve to
// UNKNOWN; absence of data is not a failure.
type Reconciler struct {
	runner remote.Runner
	logger *zap.Logger
}

// NewReconciler creates a status reconciler over one remote session.
func NewReconciler(runner remote.Runner, logger *zap.Logger) *Reconciler {
	return &Reconciler{runner: runner, logger: logger}
}

// Status resolves the current state of a scheduler job. The live queue is
// consulted first; once the job has left it, the historical accounting
// query takes over.
func (r *Reconciler) Status(ctx context.Context, slurmJobID string) models.JobStatus {
	if status, ok := r.fromQueue(ctx, slurmJobID); ok {
		return status
	}
	if status, ok := r.fromAccounting(ctx, slurmJobID); ok {
		return status
	}
	r.logger.Debug("job not found in queue or accounting", zap.String("slurm_job_id", slurmJobID))
	return models.JobStatus{State: models.StateUnknown}
}

// fromQueue parses the in-queue record: state|elapsed|node|reason.
func (r *Reconciler) fromQueue(ctx context.Context, slurmJobID string) (models.JobStatus, bool) {
	cmd := fmt.Sprintf(`squeue -j %s -h -o "%%T|%%M|%%N|%%r"`, slurmJobID)
	result, err := r.runner.Run(ctx, cmd)
	if err != nil || !result.Ok() {
		return models.JobStatus{}, false
	}

	line := firstLine(result.Stdout)
	parts := strings.Split(line, "|")
	if line == "" || len(parts) < 4 {
		return models.JobStatus{}, false
	}

	reason := strings.TrimSpace(parts[3])
	if reason == "None" {
		reason = ""
	}
	return models.JobStatus{
		State:   models.JobStateFromSlurm(parts[0]),
		Elapsed: strings.TrimSpace(parts[1]),
		Node:    strings.TrimSpace(parts[2]),
		Reason:  reason,
	}, true
}

// fromAccounting parses the historical record: state|exitcode|elapsed.
func (r *Reconciler) fromAccounting(ctx context.Context, slurmJobID string) (models.JobStatus, bool) {
	cmd := fmt.Sprintf(`sacct -j %s -n -X --parsable2 -o State,ExitCode,Elapsed`, slurmJobID)
	result, err := r.runner.Run(ctx, cmd)
	if err != nil || !result.Ok() {
		return models.JobStatus{}, false
	}

	line := firstLine(result.Stdout)
	parts := strings.Split(line, "|")
	if line == "" || len(parts) < 3 {
		return models.JobStatus{}, false
	}

	return models.JobStatus{
		State:    models.JobStateFromSlurm(parts[0]),
		ExitCode: strings.TrimSpace(parts[1]),
		Elapsed:  strings.TrimSpace(parts[2]),
	}, true
}

// Cancel issues a terminate request for a scheduler job. force sends an
// immediate KILL instead of the default graceful terminate. Cancellation
// does not depend on any status query succeeding.
func (r *Reconciler) Cancel(ctx context.Context, slurmJobID string, force bool) error {
	cmd := fmt.Sprintf("scancel %s", slurmJobID)
	if force {
		cmd = fmt.Sprintf("scancel -f -s KILL %s", slurmJobID)
	}
	result, err := r.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("scancel exited with %d: %s", result.ExitCode, result.Stderr)
	}
	r.logger.Info("job cancelled", zap.String("slurm_job_id", slurmJobID), zap.Bool("force", force))
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
