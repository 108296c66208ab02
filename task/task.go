// Package task defines the dispatch units that drive workflow runs.
//
// Tasks are deliberately dumb: a task says "invoke run X no earlier
// than T", nothing more. All workflow semantics (replay, suspension,
// retries) live in the engine; the task layer only provides at-least-
// once delivery with leases and crash reaping. Resuming a run that is
// not actually due is a harmless no-op, which is what makes duplicate
// delivery safe.
package task

import (
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/id"
)

// Kind says what a task asks the engine to do with its run.
type Kind string

const (
	// KindStart invokes a freshly created run for the first time.
	KindStart Kind = "start"
	// KindResume re-invokes a suspended (or interrupted) run.
	KindResume Kind = "resume"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the task.
	StateRunning State = "running"
	// StateCompleted means the task finished.
	StateCompleted State = "completed"
	// StateFailed means the task exhausted its delivery attempts.
	StateFailed State = "failed"
	// StateRetrying means delivery failed and is scheduled again.
	StateRetrying State = "retrying"
	// StateCancelled means the task was discarded before delivery.
	StateCancelled State = "cancelled"
)

// Task represents one scheduled invocation of a workflow run.
type Task struct {
	rewind.Entity

	ID          id.TaskID   `json:"id"`
	Kind        Kind        `json:"kind"`
	RunID       id.RunID    `json:"run_id"`
	Queue       string      `json:"queue"`
	State       State       `json:"state"`
	Priority    int         `json:"priority"`
	MaxAttempts int         `json:"max_attempts"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
	RunAt       time.Time   `json:"run_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`

	// Timeout bounds one invocation of the run. Carried from the
	// workflow's MaxDuration option. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// New creates a pending task for a run. RunAt in the past means
// eligible immediately.
func New(kind Kind, runID id.RunID, queue string, runAt time.Time) *Task {
	if queue == "" {
		queue = "default"
	}
	return &Task{
		Entity:      rewind.NewEntity(),
		ID:          id.NewTaskID(),
		Kind:        kind,
		RunID:       runID,
		Queue:       queue,
		State:       StatePending,
		MaxAttempts: 3,
		RunAt:       runAt.UTC(),
	}
}
