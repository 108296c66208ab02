//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	rewind "github.com/QualityUnit/rewind"
	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/id"
	redisstore "github.com/QualityUnit/rewind/store/redis"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// setupTestStore connects to the server named by REWIND_REDIS_ADDR and
// flushes the selected database. Tests are skipped when the variable
// is unset.
func setupTestStore(t *testing.T) *redisstore.Store {
	t.Helper()

	addr := os.Getenv("REWIND_REDIS_ADDR")
	if addr == "" {
		t.Skip("REWIND_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redisstore.New(client)
}

func newRun(name string) *workflow.Run {
	return &workflow.Run{
		Entity:   rewind.NewEntity(),
		ID:       id.NewRunID(),
		Workflow: name,
		Status:   workflow.StatusPending,
	}
}

func TestEventSequenceFollowsListIndex(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	runID := id.NewRunID()

	for i := 0; i < 4; i++ {
		evt := event.New(runID, event.StepStarted, map[string]any{"i": i})
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
	for i, evt := range events {
		if evt.Sequence != int64(i) {
			t.Errorf("events[%d].Sequence = %d", i, evt.Sequence)
		}
	}
}

func TestIdempotencyClaim(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first := newRun("redis-idem")
	first.IdempotencyKey = "claim-1"
	if err := st.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dup := newRun("redis-idem")
	dup.IdempotencyKey = "claim-1"
	if err := st.CreateRun(ctx, dup); !errors.Is(err, workflow.ErrRunAlreadyExists) {
		t.Fatalf("duplicate claim error = %v, want ErrRunAlreadyExists", err)
	}

	got, err := st.GetRunByIdempotencyKey(ctx, "redis-idem", "claim-1")
	if err != nil {
		t.Fatalf("GetRunByIdempotencyKey: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("resolved run = %s, want %s", got.ID, first.ID)
	}
}

func TestDequeueClaimsAtomically(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	queue := "redis-dq"
	past := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		tk := task.New(task.KindResume, id.NewRunID(), queue, past)
		if err := st.EnqueueTask(ctx, tk); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}
	// A future task must not be claimable yet.
	future := task.New(task.KindResume, id.NewRunID(), queue, time.Now().UTC().Add(time.Hour))
	if err := st.EnqueueTask(ctx, future); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	claimed, err := st.DequeueTasks(ctx, []string{queue}, 10)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d tasks, want 3", len(claimed))
	}
	for _, tk := range claimed {
		if tk.ID == future.ID {
			t.Error("claimed a task before its run_at")
		}
		if tk.State != task.StateRunning {
			t.Errorf("claimed task state = %s", tk.State)
		}
	}

	again, err := st.DequeueTasks(ctx, []string{queue}, 10)
	if err != nil {
		t.Fatalf("DequeueTasks: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("re-dequeue claimed %d tasks, want 0", len(again))
	}
}

func TestHookExpirySweep(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	run := newRun("redis-hooks")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	expired := time.Now().UTC().Add(-time.Minute)
	hook := &workflow.HookRecord{
		Entity:    rewind.NewEntity(),
		RunID:     run.ID,
		HookID:    "hook-sweep",
		Name:      "approval",
		Token:     run.ID.String() + ":hook-sweep",
		Status:    workflow.HookStatusPending,
		ExpiresAt: &expired,
	}
	if err := st.CreateHook(ctx, hook); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}

	due, err := st.ListExpiredHooks(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpiredHooks: %v", err)
	}
	if len(due) != 1 || due[0].Token != hook.Token {
		t.Fatalf("expired sweep = %+v, want the pending hook", due)
	}

	// Marking it expired removes it from the sweep index.
	hook.Status = workflow.HookStatusExpired
	if err := st.UpdateHook(ctx, hook); err != nil {
		t.Fatalf("UpdateHook: %v", err)
	}
	due, err = st.ListExpiredHooks(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListExpiredHooks: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("swept %d hooks after expiry, want 0", len(due))
	}
}
