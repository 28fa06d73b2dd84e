package submit

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/remote"
)

// SubmitError reports a failed or unparseable submission. Rendered script
// artifacts stay on the remote host for debugging.
type SubmitError struct {
	Output string
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit failed: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Uploader is the remote capability the engine needs: command execution
// plus file upload.
type Uploader interface {
	remote.Runner
	WriteFile(ctx context.Context, remotePath, content string) error
}

// Engine renders the batch scripts for one resolved configuration and
// drives the scheduler's submit command.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewEngine creates a submission engine for one resolved configuration.
func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// RenderJobScript produces the batch script. Rendering is deterministic:
// the same configuration always yields byte-identical text. Directives
// appear in a fixed order; free-form extra flags go last, verbatim, in
// the order supplied.
func (e *Engine) RenderJobScript(workspace string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")

	directive := func(format string, args ...interface{}) {
		b.WriteString("#SBATCH ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	res := e.cfg.Resources
	slurm := e.cfg.Slurm
	logDir := path.Join(workspace, "logs")

	directive("--job-name=%s", e.cfg.Name)
	directive("--nodes=%d", res.Nodes)
	directive("--cpus-per-task=%d", res.CPUs)
	directive("--mem=%s", res.Memory)
	directive("--time=%s", res.Time)
	if gres := GresSpec(res.GPUType, res.GPUs); gres != "" {
		directive("--gres=%s", gres)
	}
	if slurm.Partition != "" {
		directive("--partition=%s", slurm.Partition)
	}
	if slurm.Account != "" {
		directive("--account=%s", slurm.Account)
	}
	if slurm.QOS != "" {
		directive("--qos=%s", slurm.QOS)
	}
	if slurm.Constraint != "" {
		directive("--constraint=%s", slurm.Constraint)
	}
	if slurm.Array != "" {
		directive("--array=%s", slurm.Array)
	}
	if slurm.Dependency != "" {
		directive("--dependency=%s", slurm.Dependency)
	}
	directive("--output=%s", path.Join(logDir, e.cfg.Output.Stdout))
	directive("--error=%s", path.Join(logDir, e.cfg.Output.Stderr))
	for _, flag := range slurm.ExtraFlags {
		directive("%s", flag)
	}

	b.WriteByte('\n')
	workDir := workspace
	if e.cfg.Execution.WorkingDir != "" {
		workDir = path.Join(workspace, e.cfg.Execution.WorkingDir)
	}
	fmt.Fprintf(&b, "cd %s\n", remote.ShellQuote(workDir))
	fmt.Fprintf(&b, "source %s\n", remote.ShellQuote(path.Join(workspace, "env.sh")))
	if e.cfg.Execution.Setup != "" {
		b.WriteString(e.cfg.Execution.Setup + "\n")
	}
	if e.cfg.Execution.Script != "" {
		fmt.Fprintf(&b, "bash %s\n", remote.ShellQuote(e.cfg.Execution.Script))
	} else {
		b.WriteString(e.cfg.Execution.Command + "\n")
	}
	if e.cfg.Execution.Teardown != "" {
		b.WriteString(e.cfg.Execution.Teardown + "\n")
	}

	return b.String()
}

// RenderEnvScript produces the environment script: one export per
// configured pair, values always double-quoted, keys sorted so the output
// is deterministic.
func (e *Engine) RenderEnvScript() string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")

	keys := make([]string, 0, len(e.cfg.Execution.Env))
	for k := range e.cfg.Execution.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%q\n", k, e.cfg.Execution.Env[k])
	}

	return b.String()
}

// Submit uploads the rendered scripts into the workspace and invokes the
// scheduler's submit command, returning the scheduler-assigned job id.
func (e *Engine) Submit(ctx context.Context, session Uploader, workspace string) (string, error) {
	scriptPath := path.Join(workspace, "job.sh")
	envPath := path.Join(workspace, "env.sh")
	logDir := path.Join(workspace, "logs")

	if err := session.WriteFile(ctx, scriptPath, e.RenderJobScript(workspace)); err != nil {
		return "", &SubmitError{Err: fmt.Errorf("failed to upload job script: %w", err)}
	}
	if err := session.WriteFile(ctx, envPath, e.RenderEnvScript()); err != nil {
		return "", &SubmitError{Err: fmt.Errorf("failed to upload env script: %w", err)}
	}
	mkdir, err := session.Run(ctx, fmt.Sprintf("mkdir -p %s", remote.ShellQuote(logDir)))
	if err != nil {
		return "", &SubmitError{Err: err}
	}
	if !mkdir.Ok() {
		return "", &SubmitError{Err: fmt.Errorf("failed to create log directory: %s", mkdir.Stderr)}
	}

	result, err := session.Run(ctx, fmt.Sprintf("sbatch %s", remote.ShellQuote(scriptPath)))
	if err != nil {
		return "", &SubmitError{Err: err}
	}
	if !result.Ok() {
		return "", &SubmitError{Output: result.Stdout, Err: fmt.Errorf("sbatch exited with %d: %s", result.ExitCode, result.Stderr)}
	}

	jobID, err := ParseSubmitOutput(result.Stdout)
	if err != nil {
		return "", &SubmitError{Output: result.Stdout, Err: err}
	}

	e.logger.Info("job submitted",
		zap.String("slurm_job_id", jobID),
		zap.String("script", scriptPath),
	)
	return jobID, nil
}

// ParseSubmitOutput extracts the scheduler job id from the submit
// command's stdout: the final whitespace-delimited token, which must be
// numeric ("Submitted batch job 12345678"). Any other shape is a parse
// failure, never silently tolerated.
func ParseSubmitOutput(stdout string) (string, error) {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sbatch output")
	}
	id := fields[len(fields)-1]
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("unexpected sbatch output %q: last token %q is not a job id", stdout, id)
		}
	}
	return id, nil
}

// GresSpec formats the generic-resource request: gpu:<type>:<count> when
// a type is set, gpu:<count> otherwise, empty when count is zero.
func GresSpec(gpuType string, count int) string {
	if count <= 0 {
		return ""
	}
	if gpuType != "" {
		return fmt.Sprintf("gpu:%s:%d", gpuType, count)
	}
	return fmt.Sprintf("gpu:%d", count)
}
