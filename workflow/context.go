package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
)

// pendingHook is the replayed state of a hook that was created but has
// not yet received a payload. Re-suspending on it must reuse the
// original token and deadline rather than mint new ones.
type pendingHook struct {
	token     string
	expiresAt time.Time
}

// Context is the workflow execution context threaded through a runner
// function. It carries the replayed state of the run and exposes the
// durable primitives (Step, Sleep, Hook, Gather) through package-level
// generic functions.
//
// A Context is built fresh for every invocation of a run: the engine
// loads the run's events, folds them into the caches below, and calls
// the runner from the top. Primitives consult the caches before doing
// any work, which is what makes replay side-effect free.
//
// The mutex serializes cache access and event appends so that Gather
// can execute branches concurrently while the event log stays a single
// ordered stream.
type Context struct {
	ctx        context.Context
	runID      id.RunID
	workflow   string
	events     event.Store
	steps      StepWriter
	observer   StepObserver
	cancelPoll func(context.Context) (bool, error)
	logger     *slog.Logger
	metadata   map[string]any

	// durable is false for transient workflows, which execute without
	// persistence and cannot suspend.
	durable bool

	// replayed is true while a primitive is being satisfied from cache.
	// Exposed via Replaying for the rare runner that needs to know.
	replayed bool

	mu           sync.Mutex
	position     int
	stepResults  map[string]json.RawMessage
	stepAttempts map[string]int
	sleepsDone   map[string]bool
	sleepsOpen   map[string]time.Time
	hookResults  map[string][]byte
	hooksOpen    map[string]pendingHook
	hooksExpired map[string]bool
	cancelled    bool
}

// NewContext builds an execution context for one invocation of a run.
// The caller replays the run's events into it with Replay before
// invoking the runner.
func NewContext(ctx context.Context, runID id.RunID, workflowName string, events event.Store, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ctx:          ctx,
		runID:        runID,
		workflow:     workflowName,
		events:       events,
		logger:       logger.With("run_id", runID.String(), "workflow", workflowName),
		durable:      events != nil,
		stepResults:  make(map[string]json.RawMessage),
		stepAttempts: make(map[string]int),
		sleepsDone:   make(map[string]bool),
		sleepsOpen:   make(map[string]time.Time),
		hookResults:  make(map[string][]byte),
		hooksOpen:    make(map[string]pendingHook),
		hooksExpired: make(map[string]bool),
	}
}

// Context returns the inner context.Context for cancellation and
// deadline propagation into step closures.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the identifier of the executing run.
func (c *Context) RunID() id.RunID { return c.runID }

// Workflow returns the workflow name of the executing run.
func (c *Context) Workflow() string { return c.workflow }

// Logger returns a logger pre-tagged with the run ID and workflow name.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Metadata returns the run metadata, if any was set at start.
func (c *Context) Metadata() map[string]any { return c.metadata }

// SetMetadata attaches run metadata to the context. Called by the
// engine before invoking the runner.
func (c *Context) SetMetadata(md map[string]any) { c.metadata = md }

// SetStepWriter wires the step projection writer. Optional; without it
// steps are reconstructable from the event log only.
func (c *Context) SetStepWriter(w StepWriter) { c.steps = w }

// StepObserver receives step settlement notifications. The engine wires
// one to fan step outcomes out to lifecycle extensions; the workflow
// package itself has no extension dependency.
type StepObserver interface {
	StepCompleted(ctx context.Context, step *StepExecution)
	StepFailed(ctx context.Context, step *StepExecution, err error)
}

// SetStepObserver wires a step settlement observer. Optional.
func (c *Context) SetStepObserver(o StepObserver) { c.observer = o }

func (c *Context) notifyStepCompleted(step *StepExecution) {
	if c.observer != nil {
		c.observer.StepCompleted(c.ctx, step)
	}
}

func (c *Context) notifyStepFailed(step *StepExecution, err error) {
	if c.observer != nil {
		c.observer.StepFailed(c.ctx, step, err)
	}
}

// upsertStep writes a step projection row. Failures are logged and
// swallowed: the projection is derived state, the event log already
// holds the fact.
func (c *Context) upsertStep(step *StepExecution) {
	if c.steps == nil || !c.durable {
		return
	}
	if err := c.steps.UpsertStep(c.ctx, step); err != nil {
		c.logger.Warn("step projection write failed", "step_id", step.StepID, "error", err)
	}
}

// Durable reports whether this run persists events. Transient runs
// execute primitives inline and cannot suspend.
func (c *Context) Durable() bool { return c.durable }

// nextPosition returns the invocation-scoped position counter used to
// derive IDs for unnamed sleeps and hooks. Replay invokes primitives
// in the same order as the original execution, so positions line up
// deterministically across invocations.
func (c *Context) nextPosition() int {
	p := c.position
	c.position++
	return p
}

// SetCancellationPoller wires a liveness check against the store's
// cancellation flag, so a cancel issued mid-invocation is observed at
// the next unshielded primitive instead of the next suspension. The
// engine wires this for durable runs. Optional.
func (c *Context) SetCancellationPoller(poll func(context.Context) (bool, error)) {
	c.cancelPoll = poll
}

// checkCancelled returns ErrRunCancelled when a cancellation request
// has been replayed into the context or is live in the store.
// Primitives call it at their entry, so cancellation lands before the
// next step or sleep rather than waiting for a suspension. Called with
// c.mu held.
func (c *Context) checkCancelled() error {
	if c.cancelled {
		return rewind.ErrRunCancelled
	}
	if c.cancelPoll != nil {
		requested, err := c.cancelPoll(c.ctx)
		if err != nil {
			// Best effort: a flaky flag read must not fail the run.
			c.logger.Warn("cancellation poll failed", "error", err)
			return nil
		}
		if requested {
			c.cancelled = true
			return rewind.ErrRunCancelled
		}
	}
	return nil
}

// append records an event for this run. For transient runs it is a
// no-op; the caches are then the only record, which is enough because
// a transient run never replays.
func (c *Context) append(typ event.Type, data map[string]any) error {
	if !c.durable {
		return nil
	}
	ev := event.New(c.runID, typ, data)
	if err := c.events.RecordEvent(c.ctx, ev); err != nil {
		return fmt.Errorf("record %s: %w", typ, err)
	}
	return nil
}
