package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/QualityUnit/rewind/id"
	"github.com/QualityUnit/rewind/observability"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func newTestExtension(mp *sdkmetric.MeterProvider) *observability.MetricsExtension {
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
}

func newTestRun() *workflow.Run {
	return &workflow.Run{
		ID:       id.NewRunID(),
		Workflow: "order-flow",
	}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != name {
				continue
			}
			sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	_, mp := setupTestMeter()
	e := newTestExtension(mp)
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_RunLifecycle(t *testing.T) {
	reader, mp := setupTestMeter()
	e := newTestExtension(mp)
	ctx := context.Background()
	run := newTestRun()

	if err := e.OnRunStarted(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunSuspended(ctx, run, &workflow.Suspension{Reason: workflow.SuspendSleep}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunCompleted(ctx, run, 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunFailed(ctx, run, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunCancelled(ctx, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunRecovered(ctx, run, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{
		"rewind.run.started",
		"rewind.run.suspended",
		"rewind.run.completed",
		"rewind.run.failed",
		"rewind.run.cancelled",
		"rewind.run.recovered",
	} {
		if got := counterValue(t, reader, name); got != 1 {
			t.Errorf("%s: want 1, got %d", name, got)
		}
	}
}

func TestMetricsExtension_StepAndHooks(t *testing.T) {
	reader, mp := setupTestMeter()
	e := newTestExtension(mp)
	ctx := context.Background()
	run := newTestRun()

	step := &workflow.StepExecution{Name: "charge-payment"}
	if err := e.OnStepFailed(ctx, run, step, errors.New("declined")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hook := &workflow.HookRecord{Name: "approval"}
	if err := e.OnHookReceived(ctx, hook); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnHookExpired(ctx, hook); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{
		"rewind.step.failed",
		"rewind.hook.received",
		"rewind.hook.expired",
	} {
		if got := counterValue(t, reader, name); got != 1 {
			t.Errorf("%s: want 1, got %d", name, got)
		}
	}
}

func TestMetricsExtension_TaskEnqueued(t *testing.T) {
	reader, mp := setupTestMeter()
	e := newTestExtension(mp)

	tk := task.New(task.KindResume, id.NewRunID(), "critical", time.Now())
	if err := e.OnTaskEnqueued(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counterValue(t, reader, "rewind.task.enqueued"); got != 1 {
		t.Errorf("rewind.task.enqueued: want 1, got %d", got)
	}
}
