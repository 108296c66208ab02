package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/backoff"
	"github.com/QualityUnit/rewind/engine"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/store/memory"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

func newTestEngine(t *testing.T) (*engine.Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, st
}

// pump delivers every currently-due task once, the way a worker would.
func pump(t *testing.T, eng *engine.Engine, st *memory.Store) int {
	t.Helper()
	ctx := context.Background()
	tasks, err := st.DequeueTasks(ctx, nil, 100)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	for _, tk := range tasks {
		if err := eng.Invoke(ctx, tk); err != nil {
			t.Fatalf("Invoke(%s): %v", tk.Kind, err)
		}
		tk.State = task.StateCompleted
		if err := st.UpdateTask(ctx, tk); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
	}
	return len(tasks)
}

// settle pumps tasks, waiting out sleeps and backoffs, until the run
// reaches a terminal state.
func settle(t *testing.T, eng *engine.Engine, st *memory.Store, runID id.RunID) *workflow.Run {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pump(t, eng, st)
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not settle", runID)
	return nil
}

func eventTypes(t *testing.T, st *memory.Store, runID id.RunID) []event.Type {
	t.Helper()
	events, err := st.GetEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	types := make([]event.Type, len(events))
	for i, evt := range events {
		if evt.Sequence != int64(i) {
			t.Fatalf("events[%d].Sequence = %d, log has gaps", i, evt.Sequence)
		}
		types[i] = evt.Type
	}
	return types
}

func TestRunCompletes(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var charges, ships atomic.Int32
	wf := workflow.NewWorkflow("order", func(c *workflow.Context, amount int) (string, error) {
		txn, err := workflow.Step(c, "charge", amount, func(ctx context.Context, a int) (string, error) {
			charges.Add(1)
			return "txn-1", nil
		})
		if err != nil {
			return "", err
		}
		return workflow.Step(c, "ship", txn, func(ctx context.Context, txn string) (string, error) {
			ships.Add(1)
			return "shipped:" + txn, nil
		})
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "order", 100)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != workflow.StatusPending {
		t.Fatalf("fresh run status = %q", run.Status)
	}

	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	result, err := engine.Result[string](run)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result != "shipped:txn-1" {
		t.Errorf("result = %q", result)
	}
	if charges.Load() != 1 || ships.Load() != 1 {
		t.Errorf("steps executed charge=%d ship=%d, want 1 each", charges.Load(), ships.Load())
	}

	want := []event.Type{
		event.WorkflowStarted,
		event.StepStarted, event.StepCompleted,
		event.StepStarted, event.StepCompleted,
		event.WorkflowCompleted,
	}
	got := eventTypes(t, st, run.ID)
	if len(got) != len(want) {
		t.Fatalf("event log %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSleepSuspendsAndMemoizesSteps(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var prepared atomic.Int32
	wf := workflow.NewWorkflow("reminder", func(c *workflow.Context, _ struct{}) (int, error) {
		n, err := workflow.Step(c, "prepare", 0, func(ctx context.Context, _ int) (int, error) {
			return int(prepared.Add(1)), nil
		})
		if err != nil {
			return 0, err
		}
		if err := workflow.Sleep(c, 40*time.Millisecond); err != nil {
			return 0, err
		}
		return n, nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "reminder", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	run, _ = st.GetRun(ctx, run.ID)
	if run.Status != workflow.StatusSuspended {
		t.Fatalf("status = %q, want suspended", run.Status)
	}
	if run.WakeAt == nil {
		t.Fatalf("WakeAt not set on sleeping run")
	}
	if prepared.Load() != 1 {
		t.Fatalf("prepare ran %d times before sleep", prepared.Load())
	}

	// Pumping before the deadline must not resume the run.
	if n := pump(t, eng, st); n != 0 {
		t.Fatalf("resume task due before wake time")
	}

	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q", run.Status)
	}
	if prepared.Load() != 1 {
		t.Errorf("prepare re-executed on resume: %d runs", prepared.Load())
	}

	types := eventTypes(t, st, run.ID)
	var sawSuspend, sawResume, sawSleepDone bool
	for _, typ := range types {
		switch typ {
		case event.WorkflowSuspended:
			sawSuspend = true
		case event.WorkflowResumed:
			sawResume = true
		case event.SleepCompleted:
			sawSleepDone = true
		}
	}
	if !sawSuspend || !sawResume || !sawSleepDone {
		t.Errorf("event log missing suspension cycle: %v", types)
	}
}

func TestStepRetriesAcrossSuspensions(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var attempts atomic.Int32
	wf := workflow.NewWorkflow("flaky", func(c *workflow.Context, _ struct{}) (string, error) {
		return workflow.Step(c, "call", 0,
			func(ctx context.Context, _ int) (string, error) {
				if attempts.Add(1) < 3 {
					return "", errors.New("upstream 503")
				}
				return "ok", nil
			},
			workflow.WithMaxRetries(2),
			workflow.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
		)
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "flaky", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}

	var started, retrying int
	for _, typ := range eventTypes(t, st, run.ID) {
		switch typ {
		case event.StepStarted:
			started++
		case event.StepRetrying:
			retrying++
		}
	}
	if started != 3 {
		t.Errorf("STEP_STARTED count = %d, want 3", started)
	}
	if retrying != 2 {
		t.Errorf("STEP_RETRYING count = %d, want 2", retrying)
	}
}

func TestFatalErrorFailsRun(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var attempts atomic.Int32
	wf := workflow.NewWorkflow("strict", func(c *workflow.Context, _ struct{}) (string, error) {
		return workflow.Step(c, "validate", 0, func(ctx context.Context, _ int) (string, error) {
			attempts.Add(1)
			return "", workflow.Fatal(errors.New("card number invalid"))
		})
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "strict", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusFailed {
		t.Fatalf("status = %q, want failed", run.Status)
	}
	if attempts.Load() != 1 {
		t.Errorf("fatal error retried: %d attempts", attempts.Load())
	}
	types := eventTypes(t, st, run.ID)
	last := types[len(types)-1]
	if last != event.WorkflowFailed {
		t.Errorf("last event = %s, want WORKFLOW_FAILED", last)
	}
}

func TestHookDelivery(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var token atomic.Value
	wf := workflow.NewWorkflow("approval", func(c *workflow.Context, _ struct{}) (string, error) {
		decision, err := workflow.Hook[string](c, "manager-approval",
			workflow.WithOnCreated(func(tok string) { token.Store(tok) }),
		)
		if err != nil {
			return "", err
		}
		return "decision:" + decision, nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "approval", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	run, _ = st.GetRun(ctx, run.ID)
	if run.Status != workflow.StatusSuspended {
		t.Fatalf("status = %q, want suspended", run.Status)
	}
	tok, _ := token.Load().(string)
	if tok == "" {
		t.Fatalf("onCreated callback did not run")
	}

	hooks, err := eng.GetHooks(ctx, run.ID)
	if err != nil || len(hooks) != 1 {
		t.Fatalf("GetHooks = %d, %v", len(hooks), err)
	}
	if hooks[0].Token != tok {
		t.Fatalf("record token %q != callback token %q", hooks[0].Token, tok)
	}
	if hooks[0].Status != workflow.HookStatusPending {
		t.Fatalf("hook status = %q", hooks[0].Status)
	}

	// No resume task exists while the hook waits.
	if n := pump(t, eng, st); n != 0 {
		t.Fatalf("hook-suspended run had a due task")
	}

	if _, err := eng.DeliverHook(ctx, tok, []byte(`"approved"`)); err != nil {
		t.Fatalf("DeliverHook: %v", err)
	}
	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	result, err := engine.Result[string](run)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result != "decision:approved" {
		t.Errorf("result = %q", result)
	}

	// First delivery wins.
	if _, err := eng.DeliverHook(ctx, tok, []byte(`"denied"`)); !errors.Is(err, rewind.ErrHookReceived) {
		t.Errorf("second delivery err = %v, want ErrHookReceived", err)
	}
}

func TestHookExpiry(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("timeout-approval", func(c *workflow.Context, _ struct{}) (string, error) {
		_, err := workflow.Hook[string](c, "approval",
			workflow.WithHookTimeout(20*time.Millisecond),
		)
		if errors.Is(err, rewind.ErrHookExpired) {
			return "auto-rejected", nil
		}
		if err != nil {
			return "", err
		}
		return "approved", nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "timeout-approval", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	hooks, _ := eng.GetHooks(ctx, run.ID)
	if len(hooks) != 1 || hooks[0].ExpiresAt == nil {
		t.Fatalf("hook record missing deadline")
	}

	time.Sleep(30 * time.Millisecond)
	n, err := eng.ExpireHooks(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireHooks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d hooks, want 1", n)
	}

	run = settle(t, eng, st, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q, error = %q", run.Status, run.Error)
	}
	result, _ := engine.Result[string](run)
	if result != "auto-rejected" {
		t.Errorf("result = %q", result)
	}

	// Late delivery is rejected.
	if _, err := eng.DeliverHook(ctx, hooks[0].Token, []byte(`"approved"`)); !errors.Is(err, rewind.ErrHookExpired) {
		t.Errorf("late delivery err = %v, want ErrHookExpired", err)
	}
}

func TestCancelSuspendedRun(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("long-sleep", func(c *workflow.Context, _ struct{}) (string, error) {
		if err := workflow.Sleep(c, time.Hour); err != nil {
			return "", err
		}
		return "woke", nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "long-sleep", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	if err := eng.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run, _ = st.GetRun(ctx, run.ID)
	if run.Status != workflow.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", run.Status)
	}

	// The hour-out resume task was discarded.
	tasks, err := st.ListTasksByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListTasksByRun: %v", err)
	}
	for _, tk := range tasks {
		if tk.State == task.StatePending {
			t.Errorf("pending task %s survived cancellation", tk.ID)
		}
	}

	if err := eng.Cancel(ctx, run.ID); !errors.Is(err, rewind.ErrRunTerminal) {
		t.Errorf("cancel of settled run err = %v, want ErrRunTerminal", err)
	}
}

func TestIdempotentStart(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("order", func(c *workflow.Context, n int) (int, error) {
		return n, nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first, err := engine.Start(ctx, eng, "order", 1, engine.WithIdempotencyKey("order-42"))
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := engine.Start(ctx, eng, "order", 2, engine.WithIdempotencyKey("order-42"))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate start created a new run: %s vs %s", first.ID, second.ID)
	}

	runs, err := st.ListRuns(ctx, workflow.RunFilter{Workflow: "order"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("%d runs exist, want 1", len(runs))
	}
}

func TestTransientRunsInline(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	wf := workflow.NewWorkflow("lookup", func(c *workflow.Context, q string) (string, error) {
		return workflow.Step(c, "fetch", q, func(ctx context.Context, q string) (string, error) {
			calls.Add(1)
			return "result:" + q, nil
		})
	}, workflow.WithTransient())
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "lookup", "abc")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("transient run status = %q, want completed synchronously", run.Status)
	}
	result, _ := engine.Result[string](run)
	if result != "result:abc" {
		t.Errorf("result = %q", result)
	}
	if calls.Load() != 1 {
		t.Errorf("step ran %d times", calls.Load())
	}

	// Nothing was persisted.
	if _, err := st.GetRun(ctx, run.ID); !errors.Is(err, rewind.ErrRunNotFound) {
		t.Errorf("transient run was persisted: %v", err)
	}
	events, _ := st.GetEvents(ctx, run.ID)
	if len(events) != 0 {
		t.Errorf("transient run recorded %d events", len(events))
	}
}

func TestDuplicateResumeIsNoOp(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("once", func(c *workflow.Context, _ struct{}) (string, error) {
		return "done", nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "once", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run = settle(t, eng, st, run.ID)
	before := len(eventTypes(t, st, run.ID))

	// A stray redelivery after the run settled.
	stray := task.New(task.KindResume, run.ID, "default", time.Now().UTC().Add(-time.Second))
	if err := eng.Invoke(ctx, stray); err != nil {
		t.Fatalf("Invoke stray: %v", err)
	}
	after := len(eventTypes(t, st, run.ID))
	if after != before {
		t.Errorf("stray resume appended %d events", after-before)
	}
}

func TestCrashRecovery(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("resumable", func(c *workflow.Context, _ struct{}) (string, error) {
		return workflow.Step(c, "work", 0, func(ctx context.Context, _ int) (string, error) {
			return "done", nil
		})
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A run a dead worker left mid-invocation.
	run := &workflow.Run{
		Entity:              rewind.NewEntity(),
		ID:                  id.NewRunID(),
		Workflow:            "resumable",
		Status:              workflow.StatusRunning,
		MaxRecoveryAttempts: 3,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	redelivered := task.New(task.KindResume, run.ID, "default", time.Now().UTC().Add(-time.Second))
	if err := eng.Invoke(ctx, redelivered); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	run, _ = st.GetRun(ctx, run.ID)
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %q after recovery", run.Status)
	}
	if run.RecoveryAttempts != 1 {
		t.Errorf("RecoveryAttempts = %d, want 1", run.RecoveryAttempts)
	}

	var sawInterrupted, sawRecovered bool
	for _, typ := range eventTypes(t, st, run.ID) {
		switch typ {
		case event.WorkflowInterrupted:
			sawInterrupted = true
		case event.WorkflowRecovered:
			sawRecovered = true
		}
	}
	if !sawInterrupted || !sawRecovered {
		t.Errorf("recovery events missing from log")
	}
}

func TestRecoveryExhaustionFailsRun(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("doomed", func(c *workflow.Context, _ struct{}) (string, error) {
		return "unreachable", nil
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run := &workflow.Run{
		Entity:              rewind.NewEntity(),
		ID:                  id.NewRunID(),
		Workflow:            "doomed",
		Status:              workflow.StatusRunning,
		RecoveryAttempts:    2,
		MaxRecoveryAttempts: 2,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	redelivered := task.New(task.KindResume, run.ID, "default", time.Now().UTC().Add(-time.Second))
	if err := eng.Invoke(ctx, redelivered); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	run, _ = st.GetRun(ctx, run.ID)
	if run.Status != workflow.StatusFailed {
		t.Fatalf("status = %q, want failed after recovery exhaustion", run.Status)
	}
}

func TestTimeline(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	wf := workflow.NewWorkflow("traced", func(c *workflow.Context, _ struct{}) (string, error) {
		return workflow.Step(c, "only", 0, func(ctx context.Context, _ int) (string, error) {
			return "x", nil
		})
	})
	if err := eng.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}
	run, err := engine.Start(ctx, eng, "traced", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	settle(t, eng, st, run.ID)

	entries, err := eng.Timeline(ctx, run.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("timeline has %d entries, want 4", len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != int64(i) {
			t.Errorf("entry[%d].Sequence = %d", i, entry.Sequence)
		}
		if entry.Summary == "" {
			t.Errorf("entry[%d] has empty summary", i)
		}
	}
}

func TestResumeGuards(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	def := workflow.NewWorkflow("napper", func(c *workflow.Context, _ struct{}) (string, error) {
		if err := workflow.Sleep(c, time.Hour); err != nil {
			return "", err
		}
		return "rested", nil
	})
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "napper", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	parked, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if parked.Status != workflow.StatusSuspended {
		t.Fatalf("status = %s, want suspended", parked.Status)
	}

	// Resuming early schedules an immediate invocation; the sleep
	// deadline has not passed, so the run parks again on the original
	// anchor instead of completing.
	if _, err := eng.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n := pump(t, eng, st); n != 1 {
		t.Fatalf("pumped %d tasks after Resume, want 1", n)
	}
	resumed, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if resumed.Status != workflow.StatusSuspended {
		t.Fatalf("status after early resume = %s, want suspended", resumed.Status)
	}
	if !resumed.WakeAt.Equal(*parked.WakeAt) {
		t.Fatalf("early resume moved wake time: %v != %v", resumed.WakeAt, parked.WakeAt)
	}

	// A run with a live invocation refuses to resume.
	resumed.Status = workflow.StatusRunning
	if err := st.UpdateRun(ctx, resumed); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if _, err := eng.Resume(ctx, run.ID); !errors.Is(err, rewind.ErrRunActive) {
		t.Fatalf("want ErrRunActive, got %v", err)
	}
	resumed.Status = workflow.StatusSuspended
	if err := st.UpdateRun(ctx, resumed); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	// Resuming a terminal run is a no-op.
	if err := eng.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := eng.Resume(ctx, run.ID)
	if err != nil {
		t.Fatalf("Resume terminal: %v", err)
	}
	if got.Status != workflow.StatusCancelled {
		t.Fatalf("terminal resume returned status %s", got.Status)
	}
}

func TestTransientStartRejectsDelay(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	def := workflow.NewWorkflow("quick", func(_ *workflow.Context, n int) (int, error) {
		return n, nil
	}, workflow.WithTransient())
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := engine.Start(ctx, eng, "quick", 1, engine.WithDelay(time.Second))
	if !errors.Is(err, rewind.ErrTransientDistributed) {
		t.Fatalf("want ErrTransientDistributed, got %v", err)
	}
}

func TestCancelDuringLiveInvocation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	// The first step cancels its own run; the flag must land before
	// the second step, within the same invocation.
	var second atomic.Int32
	def := workflow.NewWorkflow("self-cancel", func(c *workflow.Context, _ struct{}) (string, error) {
		if _, err := workflow.Step(c, "trip-flag", 1, func(ctx context.Context, n int) (int, error) {
			return n, eng.Cancel(ctx, c.RunID())
		}); err != nil {
			return "", err
		}
		if _, err := workflow.Step(c, "after", 2, func(_ context.Context, n int) (int, error) {
			second.Add(1)
			return n, nil
		}); err != nil {
			return "", err
		}
		return "done", nil
	})
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "self-cancel", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, eng, st)

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if second.Load() != 0 {
		t.Fatal("second step ran after cancellation")
	}
}

func TestLocalRuntimeRunsInline(t *testing.T) {
	st := memory.New()
	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithLocalRuntime(),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx := context.Background()

	def := workflow.NewWorkflow("inline", func(c *workflow.Context, n int) (int, error) {
		return workflow.Step(c, "double", n, func(_ context.Context, n int) (int, error) {
			return n * 2, nil
		})
	})
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// No worker pump: the run settles on the calling goroutine.
	run, err := engine.Start(ctx, eng, "inline", 21)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	got, err := engine.Result[int](run)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != 42 {
		t.Fatalf("result = %d, want 42", got)
	}

	n, err := st.CountTasks(ctx, task.CountOpts{})
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("local runtime enqueued %d tasks, want 0", n)
	}
}

func TestLocalRuntimeParksWithoutWakeTask(t *testing.T) {
	st := memory.New()
	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithLocalRuntime(),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx := context.Background()

	def := workflow.NewWorkflow("napper", func(c *workflow.Context, _ struct{}) (string, error) {
		if err := workflow.Sleep(c, time.Hour); err != nil {
			return "", err
		}
		return "rested", nil
	})
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := engine.Start(ctx, eng, "napper", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != workflow.StatusSuspended {
		t.Fatalf("status = %s, want suspended", run.Status)
	}
	if run.WakeAt == nil {
		t.Fatal("suspended run has no wake time")
	}

	// Parked means parked: no wake-up task exists anywhere.
	n, err := st.CountTasks(ctx, task.CountOpts{})
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 0 {
		t.Fatalf("local suspension scheduled %d tasks, want 0", n)
	}

	// A manual resume re-invokes in place; the sleep deadline has not
	// passed, so the run parks again on the original anchor.
	resumed, err := eng.Resume(ctx, run.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != workflow.StatusSuspended {
		t.Fatalf("status after early resume = %s, want suspended", resumed.Status)
	}
	if !resumed.WakeAt.Equal(*run.WakeAt) {
		t.Fatalf("early resume moved wake time: %v != %v", resumed.WakeAt, run.WakeAt)
	}
}

func TestLocalRuntimeRejectsDelayedStart(t *testing.T) {
	st := memory.New()
	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithLocalRuntime(),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	def := workflow.NewWorkflow("later", func(_ *workflow.Context, n int) (int, error) {
		return n, nil
	})
	if err := eng.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = engine.Start(context.Background(), eng, "later", 1, engine.WithDelay(time.Minute))
	if !errors.Is(err, rewind.ErrLocalDelayed) {
		t.Fatalf("want ErrLocalDelayed, got %v", err)
	}
}
