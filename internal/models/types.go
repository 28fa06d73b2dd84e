package models

import (
	"strings"
	"time"

	"github.com/myjob-hpc/myjob/internal/config"
)

// JobState is the normalized job lifecycle state. Scheduler-specific
// states are folded into this set; anything unrecognized is Unknown.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
	StateTimeout   JobState = "TIMEOUT"
	StateUnknown   JobState = "UNKNOWN"
)

// JobStateFromSlurm maps a raw scheduler state string to the normalized
// set. sacct suffixes cancellations with the requesting uid
// ("CANCELLED by 1234"), so matching is prefix-based for that state.
func JobStateFromSlurm(raw string) JobState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "PENDING":
		return StatePending
	case s == "RUNNING", s == "COMPLETING":
		return StateRunning
	case s == "COMPLETED":
		return StateCompleted
	case s == "FAILED", s == "NODE_FAIL", s == "OUT_OF_MEMORY", s == "PREEMPTED":
		return StateFailed
	case strings.HasPrefix(s, "CANCELLED"):
		return StateCancelled
	case s == "TIMEOUT":
		return StateTimeout
	default:
		return StateUnknown
	}
}

// IsTerminal reports whether the state can no longer change.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// JobStatus is a point-in-time view of one job. It is recomputed on every
// query and never stored as the sole source of truth.
type JobStatus struct {
	State    JobState `json:"state"`
	Elapsed  string   `json:"elapsed,omitempty"`
	Node     string   `json:"node,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	ExitCode string   `json:"exit_code,omitempty"`
}

// CodeVersion identifies the exact code staged for a job. It is captured
// from the local working copy at submission time and immutable afterward.
type CodeVersion struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	Commit  string `json:"commit"`
	Message string `json:"message,omitempty"`
	Dirty   bool   `json:"dirty"`
}

// ShortCommit returns the abbreviated commit hash for display.
func (v CodeVersion) ShortCommit() string {
	if len(v.Commit) > 8 {
		return v.Commit[:8]
	}
	return v.Commit
}

// JobRecord is the durable local registry entry for one submission. It is
// created once at submission and mutated only through the store's update
// operations. The config snapshot round-trips exactly and re-validates
// under the same schema.
type JobRecord struct {
	LocalID       string         `json:"local_id"`
	SlurmJobID    string         `json:"slurm_job_id"`
	Name          string         `json:"name"`
	Host          string         `json:"host"`
	RemoteDir     string         `json:"remote_dir"`
	Code          CodeVersion    `json:"code"`
	Status        JobState       `json:"status"`
	SubmittedAt   time.Time      `json:"submitted_at"`
	SubmittedFrom string         `json:"submitted_from,omitempty"`
	Config        *config.Config `json:"config"`
}

// RemoteEnvironmentInfo describes the remote host, captured once per
// session during the environment check and read-only afterward.
type RemoteEnvironmentInfo struct {
	SlurmVersion  string
	HomeDir       string
	WorkspaceBase string
	Partitions    []string
}

// GpuSnapshot is the accelerator occupancy of one node.
type GpuSnapshot struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
	Used  int    `json:"used"`
	Free  int    `json:"free"`
}

// NodeSnapshot is a point-in-time view of one cluster node. GPU is nil
// when the node exposes no resolvable GPU data.
type NodeSnapshot struct {
	Name        string       `json:"name"`
	State       string       `json:"state"`
	Partition   string       `json:"partition"`
	CPUsUsed    int          `json:"cpus_used"`
	CPUsTotal   int          `json:"cpus_total"`
	MemoryTotal string       `json:"memory_total"`
	GPU         *GpuSnapshot `json:"gpu,omitempty"`
}
