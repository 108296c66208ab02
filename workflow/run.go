// Package workflow defines workflow definitions, runs, step executions,
// hooks, the execution context with its durable primitives, and the
// workflow store interface.
package workflow

import (
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
)

// Status represents the lifecycle state of a workflow run.
//
// Transitions are monotonic along
// pending → running → {suspended → running}* → {completed|failed|cancelled};
// interrupted is set by crash recovery between running and the next
// resume. Only the engine writes Status.
type Status string

const (
	// StatusPending means the run is created but not yet executing.
	StatusPending Status = "pending"
	// StatusRunning means an invocation of the run is live.
	StatusRunning Status = "running"
	// StatusSuspended means the run is waiting on a sleep, hook, or retry.
	StatusSuspended Status = "suspended"
	// StatusCompleted means the workflow finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the workflow failed terminally.
	StatusFailed Status = "failed"
	// StatusInterrupted means a worker died mid-invocation; the run is
	// awaiting crash recovery.
	StatusInterrupted Status = "interrupted"
	// StatusCancelled means the run was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run represents a single execution of a workflow. The run record is
// mutable (status, result, recovery counters); the authoritative
// history lives in the event log.
type Run struct {
	rewind.Entity

	ID                  id.RunID       `json:"id"`
	Workflow            string         `json:"workflow"`
	Status              Status         `json:"status"`
	Input               []byte         `json:"input,omitempty"`
	Result              []byte         `json:"result,omitempty"`
	Error               string         `json:"error,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
	MaxDuration         time.Duration  `json:"max_duration,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	RecoveryAttempts    int            `json:"recovery_attempts"`
	MaxRecoveryAttempts int            `json:"max_recovery_attempts"`
	ParentRunID         *id.RunID      `json:"parent_run_id,omitempty"`
	NestingDepth        int            `json:"nesting_depth"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`

	// WakeAt is the earliest time a suspended run expects to resume.
	// Informational: set on suspension, cleared on resume.
	WakeAt *time.Time `json:"wake_at,omitempty"`
}
