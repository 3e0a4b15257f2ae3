// Package orchestrator talks to the external system that executes runs.
// Reports carry the orchestrator's own status vocabulary; translating it
// is the caller's job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the orchestrator has no execution for the id.
	ErrNotFound = errors.New("orchestrator: execution not found")
	// ErrUnavailable means no connection to the orchestrator exists yet.
	ErrUnavailable = errors.New("orchestrator: unavailable")
	// ErrRejected means the orchestrator answered and refused to start
	// the execution. Any other Submit error leaves the outcome unknown.
	ErrRejected = errors.New("orchestrator: submission rejected")
)

// ParseError wraps a response the client could not interpret.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("orchestrator: parse response: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Submission is what the portal hands over when a run is triggered.
type Submission struct {
	RunID         uint           `json:"run_id"`
	WorkflowID    uint           `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	Steps         []string       `json:"steps"`
	InputFilePath string         `json:"input_file_path,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Destination   map[string]any `json:"destination,omitempty"`
}

type StepReport struct {
	Label      string     `json:"label"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type LogLine struct {
	StepLabel string    `json:"step_label,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is one snapshot of an execution.
type Report struct {
	CorrelationID string       `json:"correlation_id"`
	Status        string       `json:"status"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	Error         string       `json:"error,omitempty"`
	OutputPath    string       `json:"output_path,omitempty"`
	Steps         []StepReport `json:"steps"`
	Logs          []LogLine    `json:"logs"`
}

// Client is the orchestrator contract. FetchStatus must be safe to call
// repeatedly. When since is set only log lines at or after it need to be
// returned.
type Client interface {
	Submit(ctx context.Context, s Submission) (string, error)
	FetchStatus(ctx context.Context, correlationID string, since *time.Time) (*Report, error)
	// Locate finds the execution started for a portal run whose
	// submission outcome was never recorded. ErrNotFound if there is none.
	Locate(ctx context.Context, runID uint) (string, error)
}

// Pinger is implemented by clients that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
