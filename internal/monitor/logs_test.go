package monitor

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

func logTestRecord() *models.JobRecord {
	return &models.JobRecord{
		LocalID:    "a1b2c3",
		SlurmJobID: "12345678",
		Name:       "train-bert",
		RemoteDir:  "/home/alice/.myjob/workspaces/a1b2c3",
		Config: &config.Config{
			Output: config.OutputConfig{Stdout: "stdout_%j.log", Stderr: "stderr_%j.log"},
		},
	}
}

func TestLogPathsTemplateExpansion(t *testing.T) {
	rec := logTestRecord()
	rec.Config.Output.Stdout = "%x_%j.out"
	rec.Config.Output.Stderr = "%x_%j.err"

	stdout, stderr := NewViewer(zap.NewNop()).LogPaths(rec)
	if stdout != "/home/alice/.myjob/workspaces/a1b2c3/logs/train-bert_12345678.out" {
		t.Errorf("stdout path = %q", stdout)
	}
	if stderr != "/home/alice/.myjob/workspaces/a1b2c3/logs/train-bert_12345678.err" {
		t.Errorf("stderr path = %q", stderr)
	}
}

func TestLogPathsDefaultTemplates(t *testing.T) {
	rec := logTestRecord()
	rec.Config = nil

	stdout, _ := NewViewer(zap.NewNop()).LogPaths(rec)
	if stdout != "/home/alice/.myjob/workspaces/a1b2c3/logs/stdout_12345678.log" {
		t.Errorf("stdout path = %q", stdout)
	}
}

func TestFetchTailsBothStreams(t *testing.T) {
	runner := newFakeRunner()
	runner.results["tail -n 50 '/home/alice/.myjob/workspaces/a1b2c3/logs/stdout_12345678.log'"] =
		remote.CommandResult{ExitCode: 0, Stdout: "epoch 1 done\n"}
	runner.results["tail -n 50 '/home/alice/.myjob/workspaces/a1b2c3/logs/stderr_12345678.log'"] =
		remote.CommandResult{ExitCode: 0, Stdout: "warning: deprecated flag\n"}

	content, err := NewViewer(zap.NewNop()).Fetch(context.Background(), runner, logTestRecord(), 50)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if content.Stdout != "epoch 1 done\n" {
		t.Errorf("stdout = %q", content.Stdout)
	}
	if content.Stderr != "warning: deprecated flag\n" {
		t.Errorf("stderr = %q", content.Stderr)
	}
}

func TestFetchMissingFilesYieldEmpty(t *testing.T) {
	runner := newFakeRunner()
	runner.results["tail"] = remote.CommandResult{ExitCode: 1, Stderr: "No such file or directory"}

	content, err := NewViewer(zap.NewNop()).Fetch(context.Background(), runner, logTestRecord(), 100)
	if err != nil {
		t.Fatalf("missing log files must not fail the fetch: %v", err)
	}
	if content.Stdout != "" || content.Stderr != "" {
		t.Errorf("content should be empty, got %+v", content)
	}
}

func TestFetchWholeFileWhenLinesZero(t *testing.T) {
	runner := newFakeRunner()
	runner.results["cat"] = remote.CommandResult{ExitCode: 0, Stdout: "all of it\n"}

	content, err := NewViewer(zap.NewNop()).Fetch(context.Background(), runner, logTestRecord(), 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if content.Stdout != "all of it\n" {
		t.Errorf("stdout = %q", content.Stdout)
	}
	for _, cmd := range runner.commands {
		if len(cmd) >= 4 && cmd[:4] == "tail" {
			t.Errorf("lines=0 should fetch whole files, ran %q", cmd)
		}
	}
}
