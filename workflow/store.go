package workflow

import (
	"context"
	"time"

	"github.com/QualityUnit/rewind/id"
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Workflow string
	Status   Status
	Limit    int
	Offset   int
}

// StepWriter persists step execution projections. The event log is the
// source of truth; step records exist for cheap querying.
type StepWriter interface {
	UpsertStep(ctx context.Context, step *StepExecution) error
}

// Store persists runs, step executions, hooks, and cancellation flags.
// Implementations live under store/; every backend implements the full
// interface.
type Store interface {
	StepWriter

	// ── Runs ──

	// CreateRun persists a new run. Returns ErrRunAlreadyExists when the
	// ID is taken.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun returns a run by ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)
	// GetRunByIdempotencyKey returns the run started with the given key
	// for the workflow, or ErrRunNotFound.
	GetRunByIdempotencyKey(ctx context.Context, workflow, key string) (*Run, error)
	// UpdateRun persists run mutations. Returns ErrRunNotFound when the
	// run does not exist.
	UpdateRun(ctx context.Context, run *Run) error
	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ── Steps ──

	// GetSteps returns the step executions of a run in start order.
	GetSteps(ctx context.Context, runID id.RunID) ([]*StepExecution, error)

	// ── Hooks ──

	// CreateHook persists a new hook record. Returns
	// ErrHookAlreadyExists when the token is taken.
	CreateHook(ctx context.Context, hook *HookRecord) error
	// GetHookByToken returns a hook by delivery token, or
	// ErrHookNotFound.
	GetHookByToken(ctx context.Context, token string) (*HookRecord, error)
	// GetHooks returns the hooks of a run in creation order.
	GetHooks(ctx context.Context, runID id.RunID) ([]*HookRecord, error)
	// UpdateHook persists hook mutations.
	UpdateHook(ctx context.Context, hook *HookRecord) error
	// ListExpiredHooks returns pending hooks whose deadline passed, up
	// to limit. The expiry sweeper feeds on it.
	ListExpiredHooks(ctx context.Context, now time.Time, limit int) ([]*HookRecord, error)

	// ── Cancellation ──

	// RequestCancellation flags a run for cancellation. The flag is
	// observed at the run's next suspension point.
	RequestCancellation(ctx context.Context, runID id.RunID) error
	// CancellationRequested reports whether the flag is set.
	CancellationRequested(ctx context.Context, runID id.RunID) (bool, error)
	// ClearCancellation removes the flag once the run settles.
	ClearCancellation(ctx context.Context, runID id.RunID) error
}
