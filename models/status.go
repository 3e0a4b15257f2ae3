package models

import "fmt"

// RunStatus is shared by runs and their steps.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailure RunStatus = "failure"
	StatusSkipped RunStatus = "skipped"
)

// rank orders statuses: pending < running < terminal. All terminal
// statuses share the same rank.
func (s RunStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSuccess, StatusFailure, StatusSkipped:
		return 2
	}
	return -1
}

func (s RunStatus) Valid() bool { return s.rank() >= 0 }

func (s RunStatus) IsTerminal() bool { return s.rank() == 2 }

// ParseRunStatus rejects anything outside the enum. Stored values that fail
// here are corrupt rows, not something to coerce.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid run status %q", s)
	}
	return st, nil
}

// Transition is the outcome of comparing a stored status with a reported one.
type Transition int

const (
	// TransitionApply: the reported status is strictly ahead of the stored one.
	TransitionApply Transition = iota
	// TransitionNoop: the reported status equals the stored one.
	TransitionNoop
	// TransitionBackward: the reported status is behind the stored one.
	TransitionBackward
	// TransitionStale: the stored status is terminal and the report differs.
	TransitionStale
)

func (t Transition) String() string {
	switch t {
	case TransitionApply:
		return "apply"
	case TransitionNoop:
		return "noop"
	case TransitionBackward:
		return "backward"
	case TransitionStale:
		return "stale"
	}
	return "unknown"
}

// Advance decides whether current may move to next.
func Advance(current, next RunStatus) Transition {
	if current == next {
		return TransitionNoop
	}
	if current.IsTerminal() {
		return TransitionStale
	}
	if next.rank() > current.rank() {
		return TransitionApply
	}
	return TransitionBackward
}

// Predecessors lists every status that may legally move to s. It backs the
// conditional "only advance forward" updates in the store.
func Predecessors(s RunStatus) []RunStatus {
	switch s.rank() {
	case 1:
		return []RunStatus{StatusPending}
	case 2:
		return []RunStatus{StatusPending, StatusRunning}
	}
	return nil
}
