package models

import "testing"

func TestJobStateFromSlurm(t *testing.T) {
	cases := map[string]JobState{
		"PENDING":           StatePending,
		"RUNNING":           StateRunning,
		"COMPLETING":        StateRunning,
		"COMPLETED":         StateCompleted,
		"FAILED":            StateFailed,
		"NODE_FAIL":         StateFailed,
		"OUT_OF_MEMORY":     StateFailed,
		"PREEMPTED":         StateFailed,
		"CANCELLED":         StateCancelled,
		"CANCELLED by 1234": StateCancelled,
		"TIMEOUT":           StateTimeout,
		"REQUEUED":          StateUnknown,
		"":                  StateUnknown,
		" running ":         StateRunning,
	}
	for raw, want := range cases {
		if got := JobStateFromSlurm(raw); got != want {
			t.Errorf("JobStateFromSlurm(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []JobState{StateCompleted, StateFailed, StateCancelled, StateTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []JobState{StatePending, StateRunning, StateUnknown} {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestShortCommit(t *testing.T) {
	v := CodeVersion{Commit: "0123456789abcdef0123456789abcdef01234567"}
	if got := v.ShortCommit(); got != "01234567" {
		t.Errorf("ShortCommit = %q, want 01234567", got)
	}
	short := CodeVersion{Commit: "abc"}
	if got := short.ShortCommit(); got != "abc" {
		t.Errorf("ShortCommit on short hash = %q, want abc", got)
	}
}

func TestNewLocalID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewLocalID()
		if len(id) != 6 {
			t.Fatalf("local id %q has length %d, want 6", id, len(id))
		}
		if !IsLocalID(id) {
			t.Fatalf("generated id %q fails its own shape check", id)
		}
		if seen[id] {
			t.Fatalf("duplicate local id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestIsLocalID(t *testing.T) {
	for _, bad := range []string{"", "abc", "a1b2c3d", "g1b2c3"} {
		if IsLocalID(bad) {
			t.Errorf("IsLocalID(%q) should be false", bad)
		}
	}
	if !IsLocalID("a1b2c3") {
		t.Error("IsLocalID(a1b2c3) should be true")
	}
}
