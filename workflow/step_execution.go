package workflow

import (
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
)

// StepStatus represents the state of a single step execution.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
)

// StepExecution is the queryable record of one step within a run. It
// mirrors the step events and exists so callers can inspect progress
// without folding the event log themselves.
type StepExecution struct {
	rewind.Entity

	RunID       id.RunID   `json:"run_id"`
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Input       []byte     `json:"input,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxRetries  int        `json:"max_retries"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
