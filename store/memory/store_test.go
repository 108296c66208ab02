package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/worker"
	"github.com/QualityUnit/rewind/workflow"
)

func newRun(name string) *workflow.Run {
	return &workflow.Run{
		Entity:   rewind.NewEntity(),
		ID:       id.NewRunID(),
		Workflow: name,
		Status:   workflow.StatusPending,
	}
}

func TestEventSequencing(t *testing.T) {
	ctx := context.Background()
	st := New()
	runID := id.NewRunID()

	for i := 0; i < 5; i++ {
		evt := event.New(runID, event.StepStarted, map[string]any{"attempt": i})
		if err := st.RecordEvent(ctx, evt); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
		if evt.Sequence != int64(i) {
			t.Fatalf("sequence = %d, want %d", evt.Sequence, i)
		}
	}

	events, err := st.GetEvents(ctx, runID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, evt := range events {
		if evt.Sequence != int64(i) {
			t.Errorf("events[%d].Sequence = %d", i, evt.Sequence)
		}
	}

	// Sequences are isolated per run.
	other := event.New(id.NewRunID(), event.WorkflowStarted, nil)
	if err := st.RecordEvent(ctx, other); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if other.Sequence != 0 {
		t.Errorf("other run sequence = %d, want 0", other.Sequence)
	}
}

func TestGetEventsTypeFilter(t *testing.T) {
	ctx := context.Background()
	st := New()
	runID := id.NewRunID()

	types := []event.Type{event.WorkflowStarted, event.StepStarted, event.StepCompleted, event.WorkflowCompleted}
	for _, typ := range types {
		if err := st.RecordEvent(ctx, event.New(runID, typ, nil)); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	steps, err := st.GetEvents(ctx, runID, event.StepStarted, event.StepCompleted)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d step events, want 2", len(steps))
	}

	latest, err := st.GetLatestEvent(ctx, runID, event.StepStarted)
	if err != nil {
		t.Fatalf("GetLatestEvent: %v", err)
	}
	if latest == nil || latest.Type != event.StepStarted {
		t.Fatalf("latest = %+v, want STEP_STARTED", latest)
	}
}

func TestRunCRUD(t *testing.T) {
	ctx := context.Background()
	st := New()
	run := newRun("order")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.CreateRun(ctx, run); !errors.Is(err, rewind.ErrRunAlreadyExists) {
		t.Fatalf("duplicate CreateRun err = %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Workflow != "order" {
		t.Errorf("Workflow = %q", got.Workflow)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = workflow.StatusFailed
	again, _ := st.GetRun(ctx, run.ID)
	if again.Status != workflow.StatusPending {
		t.Errorf("store mutated through returned copy")
	}

	run.Status = workflow.StatusCompleted
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, _ = st.GetRun(ctx, run.ID)
	if got.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q after update", got.Status)
	}

	if _, err := st.GetRun(ctx, id.NewRunID()); !errors.Is(err, rewind.ErrRunNotFound) {
		t.Errorf("missing run err = %v", err)
	}
}

func TestIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	st := New()

	first := newRun("order")
	first.IdempotencyKey = "order-42"
	if err := st.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dup := newRun("order")
	dup.IdempotencyKey = "order-42"
	if err := st.CreateRun(ctx, dup); !errors.Is(err, rewind.ErrRunAlreadyExists) {
		t.Fatalf("duplicate key err = %v", err)
	}

	// Same key under a different workflow is a different identity.
	other := newRun("refund")
	other.IdempotencyKey = "order-42"
	if err := st.CreateRun(ctx, other); err != nil {
		t.Fatalf("CreateRun other workflow: %v", err)
	}

	got, err := st.GetRunByIdempotencyKey(ctx, "order", "order-42")
	if err != nil {
		t.Fatalf("GetRunByIdempotencyKey: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("got run %s, want %s", got.ID, first.ID)
	}
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	st := New()

	for i := 0; i < 3; i++ {
		run := newRun("order")
		run.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if i == 0 {
			run.Status = workflow.StatusCompleted
		}
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := st.CreateRun(ctx, newRun("refund")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	orders, err := st.ListRuns(ctx, workflow.RunFilter{Workflow: "order"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d order runs, want 3", len(orders))
	}
	// Newest first.
	for i := 1; i < len(orders); i++ {
		if orders[i].CreatedAt.After(orders[i-1].CreatedAt) {
			t.Errorf("runs not sorted newest first")
		}
	}

	pending, err := st.ListRuns(ctx, workflow.RunFilter{Workflow: "order", Status: workflow.StatusPending})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("got %d pending, want 2", len(pending))
	}

	limited, _ := st.ListRuns(ctx, workflow.RunFilter{Limit: 2, Offset: 3})
	if len(limited) != 1 {
		t.Errorf("limit/offset returned %d runs, want 1", len(limited))
	}
}

func TestStepUpsert(t *testing.T) {
	ctx := context.Background()
	st := New()
	runID := id.NewRunID()

	step := &workflow.StepExecution{
		Entity:    rewind.NewEntity(),
		RunID:     runID,
		StepID:    "step-abc",
		Name:      "charge",
		Status:    workflow.StepStatusRunning,
		Attempt:   1,
		StartedAt: time.Now().UTC(),
	}
	if err := st.UpsertStep(ctx, step); err != nil {
		t.Fatalf("UpsertStep: %v", err)
	}

	step.Status = workflow.StepStatusCompleted
	if err := st.UpsertStep(ctx, step); err != nil {
		t.Fatalf("UpsertStep update: %v", err)
	}

	steps, err := st.GetSteps(ctx, runID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1 (upsert must replace)", len(steps))
	}
	if steps[0].Status != workflow.StepStatusCompleted {
		t.Errorf("Status = %q", steps[0].Status)
	}
}

func TestHookLifecycle(t *testing.T) {
	ctx := context.Background()
	st := New()
	runID := id.NewRunID()
	expires := time.Now().UTC().Add(-time.Minute)

	hook := &workflow.HookRecord{
		Entity:    rewind.NewEntity(),
		RunID:     runID,
		HookID:    "hook-1",
		Token:     "tok-1",
		Status:    workflow.HookStatusPending,
		ExpiresAt: &expires,
	}
	if err := st.CreateHook(ctx, hook); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}
	if err := st.CreateHook(ctx, hook); !errors.Is(err, rewind.ErrHookAlreadyExists) {
		t.Fatalf("duplicate hook err = %v", err)
	}

	got, err := st.GetHookByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetHookByToken: %v", err)
	}
	if got.HookID != "hook-1" {
		t.Errorf("HookID = %q", got.HookID)
	}
	if _, err := st.GetHookByToken(ctx, "nope"); !errors.Is(err, rewind.ErrHookNotFound) {
		t.Errorf("missing hook err = %v", err)
	}

	expired, err := st.ListExpiredHooks(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpiredHooks: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired hooks, want 1", len(expired))
	}

	hook.Status = workflow.HookStatusExpired
	if err := st.UpdateHook(ctx, hook); err != nil {
		t.Fatalf("UpdateHook: %v", err)
	}
	expired, _ = st.ListExpiredHooks(ctx, time.Now().UTC(), 10)
	if len(expired) != 0 {
		t.Errorf("expired hook still listed after update")
	}
}

func TestCancellationFlag(t *testing.T) {
	ctx := context.Background()
	st := New()
	runID := id.NewRunID()

	ok, err := st.CancellationRequested(ctx, runID)
	if err != nil || ok {
		t.Fatalf("fresh flag = %v, %v", ok, err)
	}
	if err := st.RequestCancellation(ctx, runID); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	ok, _ = st.CancellationRequested(ctx, runID)
	if !ok {
		t.Errorf("flag not set")
	}
	if err := st.ClearCancellation(ctx, runID); err != nil {
		t.Fatalf("ClearCancellation: %v", err)
	}
	ok, _ = st.CancellationRequested(ctx, runID)
	if ok {
		t.Errorf("flag not cleared")
	}
}

func TestDequeueTasks(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now().UTC()

	due := task.New(task.KindStart, id.NewRunID(), "default", now.Add(-time.Second))
	future := task.New(task.KindResume, id.NewRunID(), "default", now.Add(time.Hour))
	otherQueue := task.New(task.KindStart, id.NewRunID(), "billing", now.Add(-time.Second))
	urgent := task.New(task.KindStart, id.NewRunID(), "default", now.Add(-time.Second))
	urgent.Priority = 10

	for _, tk := range []*task.Task{due, future, otherQueue, urgent} {
		if err := st.EnqueueTask(ctx, tk); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	claimed, err := st.DequeueTasks(ctx, []string{"default"}, 10)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d tasks, want 2", len(claimed))
	}
	if claimed[0].ID != urgent.ID {
		t.Errorf("priority ordering: first claimed = %s, want urgent", claimed[0].ID)
	}
	for _, tk := range claimed {
		if tk.State != task.StateRunning {
			t.Errorf("claimed task state = %q", tk.State)
		}
	}

	// Claimed tasks are not claimed twice.
	again, _ := st.DequeueTasks(ctx, []string{"default"}, 10)
	if len(again) != 0 {
		t.Errorf("second dequeue claimed %d tasks", len(again))
	}
}

func TestReapStaleTasks(t *testing.T) {
	ctx := context.Background()
	st := New()

	tk := task.New(task.KindStart, id.NewRunID(), "default", time.Now().UTC().Add(-time.Minute))
	if err := st.EnqueueTask(ctx, tk); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	claimed, _ := st.DequeueTasks(ctx, nil, 1)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d", len(claimed))
	}

	// Fresh heartbeat: not stale.
	stale, err := st.ReapStaleTasks(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleTasks: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh task reported stale")
	}

	// Backdate the heartbeat past the threshold.
	old := time.Now().UTC().Add(-time.Hour)
	claimed[0].HeartbeatAt = &old
	if err := st.UpdateTask(ctx, claimed[0]); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	stale, _ = st.ReapStaleTasks(ctx, time.Minute)
	if len(stale) != 1 {
		t.Fatalf("got %d stale tasks, want 1", len(stale))
	}
}

func TestWorkerRegistry(t *testing.T) {
	ctx := context.Background()
	st := New()

	w := &worker.Worker{
		Entity:      rewind.NewEntity(),
		ID:          id.NewWorkerID(),
		Hostname:    "worker-a",
		Queues:      []string{"default"},
		StartedAt:   time.Now().UTC(),
		HeartbeatAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := st.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	workers, err := st.ListWorkers(ctx)
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers = %d, %v", len(workers), err)
	}

	if err := st.HeartbeatWorker(ctx, w.ID); err != nil {
		t.Fatalf("HeartbeatWorker: %v", err)
	}
	reaped, err := st.ReapStaleWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleWorkers: %v", err)
	}
	if reaped != 0 {
		t.Errorf("heartbeated worker reaped")
	}

	if err := st.DeregisterWorker(ctx, w.ID); err != nil {
		t.Fatalf("DeregisterWorker: %v", err)
	}
	workers, _ = st.ListWorkers(ctx)
	if len(workers) != 0 {
		t.Errorf("worker still listed after deregister")
	}
}
