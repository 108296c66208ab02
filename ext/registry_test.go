package ext_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/QualityUnit/rewind/ext"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunStarted")
	return nil
}

func (e *allHooksExt) OnRunSuspended(_ context.Context, _ *workflow.Run, _ *workflow.Suspension) error {
	e.calls = append(e.calls, "OnRunSuspended")
	return nil
}

func (e *allHooksExt) OnRunResumed(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunResumed")
	return nil
}

func (e *allHooksExt) OnRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

func (e *allHooksExt) OnRunFailed(_ context.Context, _ *workflow.Run, _ error) error {
	e.calls = append(e.calls, "OnRunFailed")
	return nil
}

func (e *allHooksExt) OnRunCancelled(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunCancelled")
	return nil
}

func (e *allHooksExt) OnRunRecovered(_ context.Context, _ *workflow.Run, _ int) error {
	e.calls = append(e.calls, "OnRunRecovered")
	return nil
}

func (e *allHooksExt) OnStepCompleted(_ context.Context, _ *workflow.Run, _ *workflow.StepExecution) error {
	e.calls = append(e.calls, "OnStepCompleted")
	return nil
}

func (e *allHooksExt) OnStepFailed(_ context.Context, _ *workflow.Run, _ *workflow.StepExecution, _ error) error {
	e.calls = append(e.calls, "OnStepFailed")
	return nil
}

func (e *allHooksExt) OnHookCreated(_ context.Context, _ *workflow.HookRecord) error {
	e.calls = append(e.calls, "OnHookCreated")
	return nil
}

func (e *allHooksExt) OnHookReceived(_ context.Context, _ *workflow.HookRecord) error {
	e.calls = append(e.calls, "OnHookReceived")
	return nil
}

func (e *allHooksExt) OnHookExpired(_ context.Context, _ *workflow.HookRecord) error {
	e.calls = append(e.calls, "OnHookExpired")
	return nil
}

func (e *allHooksExt) OnTaskEnqueued(_ context.Context, _ *task.Task) error {
	e.calls = append(e.calls, "OnTaskEnqueued")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// runOnlyExt only implements run-related hooks.
type runOnlyExt struct {
	calls []string
}

func (e *runOnlyExt) Name() string { return "run-only" }

func (e *runOnlyExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "OnRunStarted")
	return nil
}

func (e *runOnlyExt) OnRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) error {
	e.calls = append(e.calls, "OnRunCompleted")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	all := &allHooksExt{}
	ro := &runOnlyExt{}
	r.Register(all)
	r.Register(ro)

	ctx := context.Background()
	run := &workflow.Run{Workflow: "test-wf"}

	// Both implement OnRunStarted → both called.
	r.EmitRunStarted(ctx, run)
	if len(all.calls) != 1 || all.calls[0] != "OnRunStarted" {
		t.Fatalf("all: expected [OnRunStarted], got %v", all.calls)
	}
	if len(ro.calls) != 1 || ro.calls[0] != "OnRunStarted" {
		t.Fatalf("ro: expected [OnRunStarted], got %v", ro.calls)
	}

	// Only all implements OnRunResumed → ro not called.
	r.EmitRunResumed(ctx, run)
	if len(all.calls) != 2 || all.calls[1] != "OnRunResumed" {
		t.Fatalf("all: expected OnRunResumed as 2nd, got %v", all.calls)
	}
	if len(ro.calls) != 1 {
		t.Fatalf("ro: should still have 1 call, got %v", ro.calls)
	}
}

func TestRegistry_AllRunHooksFire(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{Workflow: "test-wf"}

	r.EmitRunStarted(ctx, run)
	r.EmitRunSuspended(ctx, run, &workflow.Suspension{Reason: workflow.SuspendSleep})
	r.EmitRunResumed(ctx, run)
	r.EmitRunCompleted(ctx, run, time.Second)
	r.EmitRunFailed(ctx, run, errors.New("fail"))
	r.EmitRunCancelled(ctx, run)
	r.EmitRunRecovered(ctx, run, 1)

	expected := []string{
		"OnRunStarted", "OnRunSuspended", "OnRunResumed",
		"OnRunCompleted", "OnRunFailed", "OnRunCancelled", "OnRunRecovered",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_StepAndHookHooksFire(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{Workflow: "test-wf"}
	step := &workflow.StepExecution{Name: "charge"}
	hook := &workflow.HookRecord{Name: "approval"}

	r.EmitStepCompleted(ctx, run, step)
	r.EmitStepFailed(ctx, run, step, errors.New("step fail"))
	r.EmitHookCreated(ctx, hook)
	r.EmitHookReceived(ctx, hook)
	r.EmitHookExpired(ctx, hook)

	expected := []string{
		"OnStepCompleted", "OnStepFailed",
		"OnHookCreated", "OnHookReceived", "OnHookExpired",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_TaskAndShutdownHooksFire(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	r.EmitTaskEnqueued(ctx, task.New(task.KindStart, id.NewRunID(), "default", time.Now()))
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %v", len(all.calls), all.calls)
	}
	if all.calls[0] != "OnTaskEnqueued" {
		t.Errorf("call[0] = %q, want OnTaskEnqueued", all.calls[0])
	}
	if all.calls[1] != "OnShutdown" {
		t.Errorf("call[1] = %q, want OnShutdown", all.calls[1])
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(testLogger())
	failing := &failingExt{}
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()
	run := &workflow.Run{Workflow: "test-wf"}

	// No panic, no error propagation. allHooksExt should still fire.
	r.EmitRunStarted(ctx, run)

	if len(all.calls) != 1 || all.calls[0] != "OnRunStarted" {
		t.Fatalf("all: expected [OnRunStarted], got %v", all.calls)
	}
}
