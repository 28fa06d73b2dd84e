package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/myjob-hpc/myjob/internal/logging"
	"github.com/myjob-hpc/myjob/internal/orchestrator"
	"github.com/myjob-hpc/myjob/internal/store"
)

var (
	Version   = "dev"     // Injected at build time
	BuildDate = "unknown" // Injected at build time
)

const usage = `myjob - submit and track jobs on a remote SLURM cluster

Usage:
  myjob submit [-config FILE] [-name N] [-partition P] [-gpus N] [-time T] [-force] [-dry-run]
  myjob status JOB
  myjob logs JOB [-follow] [-lines N] [-stderr]
  myjob cancel JOB [-force]
  myjob list
  myjob nodes [-config FILE] [-partition P]
  myjob init [-secret]
  myjob version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logLevel := os.Getenv("MYJOB_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "warn"
	}
	logger, err := logging.Setup(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dir, err := store.DefaultDir()
	if err != nil {
		fatal(err)
	}
	st, err := store.Open(dir)
	if err != nil {
		fatal(err)
	}
	orch := orchestrator.New(st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "submit":
		runSubmit(ctx, orch, os.Args[2:])
	case "status":
		runStatus(ctx, orch, os.Args[2:])
	case "logs":
		runLogs(ctx, orch, os.Args[2:])
	case "cancel":
		runCancel(ctx, orch, os.Args[2:])
	case "list":
		runList(orch)
	case "nodes":
		runNodes(ctx, orch, os.Args[2:])
	case "init":
		runInit(orch, os.Args[2:])
	case "version":
		fmt.Printf("myjob %s (built %s)\n", Version, BuildDate)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runSubmit(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	name := fs.String("name", "", "job name (overrides config)")
	partition := fs.String("partition", "", "scheduler partition (overrides config)")
	gpus := fs.Int("gpus", -1, "number of GPUs (overrides config)")
	timeLimit := fs.String("time", "", "wall-clock limit (overrides config)")
	force := fs.Bool("force", false, "submit even with uncommitted local changes")
	dryRun := fs.Bool("dry-run", false, "render scripts without submitting")
	fs.Parse(args)

	overrides := map[string]interface{}{}
	if *name != "" {
		overrides["name"] = *name
	}
	if *partition != "" {
		overrides["slurm"] = map[string]interface{}{"partition": *partition}
	}
	resources := map[string]interface{}{}
	if *gpus >= 0 {
		resources["gpus"] = *gpus
	}
	if *timeLimit != "" {
		resources["time"] = *timeLimit
	}
	if len(resources) > 0 {
		overrides["resources"] = resources
	}

	result, err := orch.Submit(ctx, orchestrator.SubmitOptions{
		ConfigPath: *configPath,
		Overrides:  overrides,
		Force:      *force,
		DryRun:     *dryRun,
	})
	if err != nil {
		fatal(err)
	}

	if *dryRun {
		fmt.Println("# job.sh")
		fmt.Print(result.JobScript)
		fmt.Println("# env.sh")
		fmt.Print(result.EnvScript)
		return
	}

	rec := result.Record
	fmt.Printf("submitted %s (slurm job %s)\n", rec.LocalID, rec.SlurmJobID)
	fmt.Printf("  workspace: %s\n", rec.RemoteDir)
	fmt.Printf("  commit:    %s\n", rec.Code.ShortCommit())
	fmt.Printf("  status:    %s\n", rec.Status)
}

func runStatus(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: myjob status JOB"))
	}

	rec, status, err := orch.Status(ctx, fs.Arg(0))
	if err != nil {
		fatal(err)
	}

	fmt.Printf("%s  %s  %s\n", rec.LocalID, rec.Name, status.State)
	if status.Elapsed != "" {
		fmt.Printf("  elapsed: %s\n", status.Elapsed)
	}
	if status.Node != "" {
		fmt.Printf("  node:    %s\n", status.Node)
	}
	if status.Reason != "" {
		fmt.Printf("  reason:  %s\n", status.Reason)
	}
	if status.ExitCode != "" {
		fmt.Printf("  exit:    %s\n", status.ExitCode)
	}
}

func runLogs(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("follow", false, "stream the log until interrupted")
	lines := fs.Int("lines", 100, "number of lines from the end (0 for all)")
	stderr := fs.Bool("stderr", false, "show the stderr log instead of stdout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: myjob logs JOB"))
	}

	err := orch.Logs(ctx, fs.Arg(0), orchestrator.LogOptions{
		Follow: *follow,
		Lines:  *lines,
		Stderr: *stderr,
		Out:    os.Stdout,
	})
	if err != nil {
		fatal(err)
	}
}

func runCancel(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	force := fs.Bool("force", false, "send an immediate KILL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: myjob cancel JOB"))
	}

	rec, err := orch.Cancel(ctx, fs.Arg(0), *force)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("cancelled %s (slurm job %s)\n", rec.LocalID, rec.SlurmJobID)
}

func runList(orch *orchestrator.Orchestrator) {
	records, err := orch.List()
	if err != nil {
		fatal(err)
	}
	if len(records) == 0 {
		fmt.Println("no jobs recorded")
		return
	}
	fmt.Printf("%-8s %-10s %-20s %-20s %-10s %s\n", "LOCAL", "SLURM", "NAME", "HOST", "STATUS", "SUBMITTED")
	for _, rec := range records {
		fmt.Printf("%-8s %-10s %-20s %-20s %-10s %s\n",
			rec.LocalID, rec.SlurmJobID, rec.Name, rec.Host, rec.Status,
			rec.SubmittedAt.Local().Format("2006-01-02 15:04"),
		)
	}
}

func runNodes(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	partition := fs.String("partition", "", "filter by partition")
	fs.Parse(args)

	nodes, err := orch.Nodes(ctx, *configPath, *partition)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%-16s %-12s %-10s %-8s %-8s %s\n", "NODE", "PARTITION", "STATE", "CPUS", "MEM", "GPUS")
	for _, n := range nodes {
		gpu := "-"
		if n.GPU != nil {
			gpu = fmt.Sprintf("%d/%d (%s)", n.GPU.Free, n.GPU.Total, n.GPU.Type)
		}
		fmt.Printf("%-16s %-12s %-10s %-8s %-8s %s\n",
			n.Name, n.Partition, n.State,
			fmt.Sprintf("%d/%d", n.CPUsUsed, n.CPUsTotal), n.MemoryTotal, gpu,
		)
	}
}

func runInit(orch *orchestrator.Orchestrator, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	withSecret := fs.Bool("secret", false, "also write a sample secret.yaml")
	fs.Parse(args)

	written, err := orch.Init(".", *withSecret)
	if err != nil {
		fatal(err)
	}
	for _, f := range written {
		fmt.Printf("wrote %s\n", f)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
