package engine

import (
	"context"
	"fmt"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/workflow"
)

// DeliverHook delivers an external payload to a pending hook by its
// token and schedules the owning run for immediate resumption. The
// first delivery wins: repeats return ErrHookReceived, deliveries past
// the deadline return ErrHookExpired, and deliveries to a settled run
// return ErrRunTerminal.
func (e *Engine) DeliverHook(ctx context.Context, token string, payload []byte) (*workflow.Run, error) {
	h, err := e.store.GetHookByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	switch h.Status {
	case workflow.HookStatusReceived:
		return nil, fmt.Errorf("hook %s: %w", h.HookID, rewind.ErrHookReceived)
	case workflow.HookStatusExpired:
		return nil, fmt.Errorf("hook %s: %w", h.HookID, rewind.ErrHookExpired)
	case workflow.HookStatusDisposed:
		return nil, fmt.Errorf("hook %s: %w", h.HookID, rewind.ErrRunTerminal)
	}

	now := time.Now().UTC()
	if h.ExpiresAt != nil && now.After(*h.ExpiresAt) {
		// Deadline passed but the sweeper has not caught it yet.
		if err := e.expireHook(ctx, h); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("hook %s: %w", h.HookID, rewind.ErrHookExpired)
	}

	run, err := e.store.GetRun(ctx, h.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s: %w", run.ID, rewind.ErrRunTerminal)
	}

	if err := e.record(ctx, h.RunID, event.HookReceived, map[string]any{
		"hook_id": h.HookID,
		"payload": string(payload),
	}); err != nil {
		return nil, err
	}
	h.Status = workflow.HookStatusReceived
	h.Payload = payload
	h.ReceivedAt = &now
	h.Touch()
	if err := e.store.UpdateHook(ctx, h); err != nil {
		return nil, err
	}
	e.extensions.EmitHookReceived(ctx, h)

	if err := e.runtime.Wake(ctx, run); err != nil {
		return nil, fmt.Errorf("resume after hook delivery: %w", err)
	}
	e.logger.Info("hook delivered",
		"run_id", h.RunID, "hook_id", h.HookID, "name", h.Name)
	return run, nil
}

// ExpireHooks sweeps pending hooks whose deadline has passed, records
// their expiry, and schedules the owning runs for resumption so the
// Hook call can surface ErrHookExpired. Returns the number of hooks
// expired. The engine runs this periodically; it is exported so tests
// and external schedulers can drive it directly.
func (e *Engine) ExpireHooks(ctx context.Context, now time.Time) (int, error) {
	const batch = 100
	expired := 0
	for {
		hooks, err := e.store.ListExpiredHooks(ctx, now, batch)
		if err != nil {
			return expired, err
		}
		if len(hooks) == 0 {
			return expired, nil
		}
		for _, h := range hooks {
			if err := e.expireHook(ctx, h); err != nil {
				return expired, err
			}
			expired++
		}
		if len(hooks) < batch {
			return expired, nil
		}
	}
}

func (e *Engine) expireHook(ctx context.Context, h *workflow.HookRecord) error {
	if err := e.record(ctx, h.RunID, event.HookExpired, map[string]any{
		"hook_id": h.HookID,
	}); err != nil {
		return err
	}
	h.Status = workflow.HookStatusExpired
	h.Touch()
	if err := e.store.UpdateHook(ctx, h); err != nil {
		return err
	}
	e.extensions.EmitHookExpired(ctx, h)

	run, err := e.store.GetRun(ctx, h.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := e.runtime.Wake(ctx, run); err != nil {
		return fmt.Errorf("resume after hook expiry: %w", err)
	}
	return nil
}

// Cancel requests cancellation of a run.
//
// A suspended or pending run is cancelled immediately: its undelivered
// tasks are discarded and its pending hooks disposed. A running run is
// flagged instead; the flag is observed at the run's next suspension
// point or primitive call, never mid-step. Cancelling a settled run
// returns ErrRunTerminal.
func (e *Engine) Cancel(ctx context.Context, runID id.RunID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", run.ID, rewind.ErrRunTerminal)
	}

	if err := e.record(ctx, runID, event.CancellationRequested, nil); err != nil {
		return err
	}
	if err := e.store.RequestCancellation(ctx, runID); err != nil {
		return err
	}

	switch run.Status {
	case workflow.StatusPending, workflow.StatusSuspended:
		return e.finalizeCancelled(ctx, run)
	default:
		e.logger.Info("cancellation requested for live run",
			"run_id", runID, "workflow", run.Workflow)
		return nil
	}
}
