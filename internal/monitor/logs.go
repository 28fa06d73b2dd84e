package monitor

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

// Streamer is the remote capability log following needs beyond plain
// command execution.
type Streamer interface {
	remote.Runner
	Stream(ctx context.Context, command string, w io.Writer) error
}

// LogContent holds fetched log text and the resolved remote paths.
type LogContent struct {
	Stdout     string
	Stderr     string
	StdoutPath string
	StderrPath string
}

// Viewer retrieves and follows job logs inside the remote workspace.
type Viewer struct {
	logger *zap.Logger
}

// NewViewer creates a log viewer.
func NewViewer(logger *zap.Logger) *Viewer {
	return &Viewer{logger: logger}
}

// LogPaths resolves the stdout/stderr file paths for one record from its
// output templates: %j expands to the scheduler job id, %x to the job
// name.
func (v *Viewer) LogPaths(rec *models.JobRecord) (stdoutPath, stderrPath string) {
	logDir := path.Join(rec.RemoteDir, "logs")
	stdoutTemplate := "stdout_%j.log"
	stderrTemplate := "stderr_%j.log"
	if rec.Config != nil {
		stdoutTemplate = rec.Config.Output.Stdout
		stderrTemplate = rec.Config.Output.Stderr
	}
	expand := func(t string) string {
		t = strings.ReplaceAll(t, "%j", rec.SlurmJobID)
		t = strings.ReplaceAll(t, "%x", rec.Name)
		return t
	}
	return path.Join(logDir, expand(stdoutTemplate)), path.Join(logDir, expand(stderrTemplate))
}

// Fetch tails both log files. lines <= 0 fetches the whole files. Missing
// files yield empty content, not an error; the job may not have started
// writing yet.
func (v *Viewer) Fetch(ctx context.Context, runner remote.Runner, rec *models.JobRecord, lines int) (*LogContent, error) {
	stdoutPath, stderrPath := v.LogPaths(rec)
	content := &LogContent{StdoutPath: stdoutPath, StderrPath: stderrPath}

	read := func(p string) (string, error) {
		cmd := fmt.Sprintf("cat %s", remote.ShellQuote(p))
		if lines > 0 {
			cmd = fmt.Sprintf("tail -n %d %s", lines, remote.ShellQuote(p))
		}
		result, err := runner.Run(ctx, cmd)
		if err != nil {
			return "", err
		}
		if !result.Ok() {
			return "", nil
		}
		return result.Stdout, nil
	}

	var err error
	if content.Stdout, err = read(stdoutPath); err != nil {
		return nil, err
	}
	if content.Stderr, err = read(stderrPath); err != nil {
		return nil, err
	}
	return content, nil
}

// Follow streams the stdout log to w until ctx is cancelled. The stream
// has no defined upper bound; cancellation closes the remote read cleanly.
func (v *Viewer) Follow(ctx context.Context, session Streamer, rec *models.JobRecord, w io.Writer) error {
	stdoutPath, _ := v.LogPaths(rec)
	v.logger.Info("following log", zap.String("path", stdoutPath))
	cmd := fmt.Sprintf("tail -n 50 -F %s", remote.ShellQuote(stdoutPath))
	return session.Stream(ctx, cmd, w)
}
