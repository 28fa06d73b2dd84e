package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

// fakeRunner answers commands by longest matching prefix. It is safe for
// concurrent use; the inventory issues detail queries from goroutines.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	results  map[string]remote.CommandResult
	errs     map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: map[string]remote.CommandResult{},
		errs:    map[string]error{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, command string) (remote.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	var bestPrefix string
	for prefix := range f.errs {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
		}
	}
	if bestPrefix != "" {
		return remote.CommandResult{}, f.errs[bestPrefix]
	}
	bestPrefix = ""
	var best remote.CommandResult
	found := false
	for prefix, result := range f.results {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = result
			found = true
		}
	}
	if !found {
		return remote.CommandResult{ExitCode: 1, Stderr: "command not stubbed: " + command}, nil
	}
	return best, nil
}

func (f *fakeRunner) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func TestStatusFromQueue(t *testing.T) {
	runner := newFakeRunner()
	runner.results["squeue"] = remote.CommandResult{
		ExitCode: 0,
		Stdout:   "RUNNING|02:34:15|gpu-node-03|\n",
	}

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "12345678")

	if status.State != models.StateRunning {
		t.Errorf("state = %v, want RUNNING", status.State)
	}
	if status.Elapsed != "02:34:15" {
		t.Errorf("elapsed = %q, want 02:34:15", status.Elapsed)
	}
	if status.Node != "gpu-node-03" {
		t.Errorf("node = %q, want gpu-node-03", status.Node)
	}
	if status.Reason != "" {
		t.Errorf("reason = %q, want empty", status.Reason)
	}
	if runner.ran("sacct") {
		t.Error("accounting must not be consulted while the job is in the queue")
	}
}

func TestStatusPendingReason(t *testing.T) {
	runner := newFakeRunner()
	runner.results["squeue"] = remote.CommandResult{
		ExitCode: 0,
		Stdout:   "PENDING|0:00||Resources\n",
	}

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "12345678")
	if status.State != models.StatePending {
		t.Errorf("state = %v, want PENDING", status.State)
	}
	if status.Reason != "Resources" {
		t.Errorf("reason = %q, want Resources", status.Reason)
	}
}

func TestStatusReasonNoneNormalized(t *testing.T) {
	runner := newFakeRunner()
	runner.results["squeue"] = remote.CommandResult{
		ExitCode: 0,
		Stdout:   "RUNNING|1:00|node-1|None\n",
	}

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "1")
	if status.Reason != "" {
		t.Errorf("reason None should normalize to empty, got %q", status.Reason)
	}
}

func TestStatusFallsBackToAccounting(t *testing.T) {
	runner := newFakeRunner()
	runner.results["squeue"] = remote.CommandResult{ExitCode: 0, Stdout: "\n"}
	runner.results["sacct"] = remote.CommandResult{
		ExitCode: 0,
		Stdout:   "COMPLETED|0:0|01:15:00\n",
	}

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "12345678")

	if status.State != models.StateCompleted {
		t.Errorf("state = %v, want COMPLETED", status.State)
	}
	if status.ExitCode != "0:0" {
		t.Errorf("exit code = %q, want 0:0", status.ExitCode)
	}
	if status.Elapsed != "01:15:00" {
		t.Errorf("elapsed = %q, want 01:15:00", status.Elapsed)
	}
}

func TestStatusCancelledByUser(t *testing.T) {
	runner := newFakeRunner()
	runner.results["squeue"] = remote.CommandResult{ExitCode: 1}
	runner.results["sacct"] = remote.CommandResult{
		ExitCode: 0,
		Stdout:   "CANCELLED by 1234|0:0|00:05:00\n",
	}

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "1")
	if status.State != models.StateCancelled {
		t.Errorf("state = %v, want CANCELLED", status.State)
	}
}

func TestStatusDegradesToUnknown(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["squeue"] = errors.New("connection reset")
	runner.errs["sacct"] = errors.New("connection reset")

	status := NewReconciler(runner, zap.NewNop()).Status(context.Background(), "1")
	if status.State != models.StateUnknown {
		t.Errorf("state = %v, want UNKNOWN when both queries fail", status.State)
	}
}

func TestCancel(t *testing.T) {
	runner := newFakeRunner()
	runner.results["scancel"] = remote.CommandResult{ExitCode: 0}

	r := NewReconciler(runner, zap.NewNop())
	if err := r.Cancel(context.Background(), "12345678", false); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if runner.commands[len(runner.commands)-1] != "scancel 12345678" {
		t.Errorf("unexpected command %q", runner.commands[len(runner.commands)-1])
	}

	if err := r.Cancel(context.Background(), "12345678", true); err != nil {
		t.Fatalf("forced Cancel failed: %v", err)
	}
	if runner.commands[len(runner.commands)-1] != "scancel -f -s KILL 12345678" {
		t.Errorf("unexpected forced command %q", runner.commands[len(runner.commands)-1])
	}
}

func TestCancelFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.results["scancel"] = remote.CommandResult{ExitCode: 1, Stderr: "Invalid job id"}

	err := NewReconciler(runner, zap.NewNop()).Cancel(context.Background(), "999", false)
	if err == nil {
		t.Fatal("expected failure when scancel exits non-zero")
	}
	if !strings.Contains(err.Error(), "Invalid job id") {
		t.Errorf("error should carry scancel stderr, got %v", err)
	}
}
