package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/QualityUnit/rewind/ext"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/workflow"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/QualityUnit/rewind/observability"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.RunStarted   = (*MetricsExtension)(nil)
	_ ext.RunSuspended = (*MetricsExtension)(nil)
	_ ext.RunCompleted = (*MetricsExtension)(nil)
	_ ext.RunFailed    = (*MetricsExtension)(nil)
	_ ext.RunCancelled = (*MetricsExtension)(nil)
	_ ext.RunRecovered = (*MetricsExtension)(nil)
	_ ext.StepFailed   = (*MetricsExtension)(nil)
	_ ext.HookReceived = (*MetricsExtension)(nil)
	_ ext.HookExpired  = (*MetricsExtension)(nil)
	_ ext.TaskEnqueued = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via OpenTelemetry.
// Register it as an engine extension to automatically track run starts,
// suspensions, completions, failures, recoveries, hook traffic, and task
// enqueue rates. With no global MeterProvider configured the instruments
// are noops and the extension costs nothing.
type MetricsExtension struct {
	runStarted   metric.Int64Counter
	runSuspended metric.Int64Counter
	runCompleted metric.Int64Counter
	runFailed    metric.Int64Counter
	runCancelled metric.Int64Counter
	runRecovered metric.Int64Counter
	runDuration  metric.Float64Histogram
	stepFailed   metric.Int64Counter
	hookReceived metric.Int64Counter
	hookExpired  metric.Int64Counter
	taskEnqueued metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.runStarted, _ = meter.Int64Counter("rewind.run.started",
		metric.WithDescription("Total workflow runs started"))
	m.runSuspended, _ = meter.Int64Counter("rewind.run.suspended",
		metric.WithDescription("Total run suspensions"))
	m.runCompleted, _ = meter.Int64Counter("rewind.run.completed",
		metric.WithDescription("Total runs completed successfully"))
	m.runFailed, _ = meter.Int64Counter("rewind.run.failed",
		metric.WithDescription("Total runs failed terminally"))
	m.runCancelled, _ = meter.Int64Counter("rewind.run.cancelled",
		metric.WithDescription("Total runs cancelled"))
	m.runRecovered, _ = meter.Int64Counter("rewind.run.recovered",
		metric.WithDescription("Total crash recoveries dispatched"))
	m.runDuration, _ = meter.Float64Histogram("rewind.run.duration",
		metric.WithDescription("Wall-clock duration of completed runs in seconds"),
		metric.WithUnit("s"))
	m.stepFailed, _ = meter.Int64Counter("rewind.step.failed",
		metric.WithDescription("Total steps failed with retries exhausted"))
	m.hookReceived, _ = meter.Int64Counter("rewind.hook.received",
		metric.WithDescription("Total hook payloads delivered"))
	m.hookExpired, _ = meter.Int64Counter("rewind.hook.expired",
		metric.WithDescription("Total hooks expired before delivery"))
	m.taskEnqueued, _ = meter.Int64Counter("rewind.task.enqueued",
		metric.WithDescription("Total dispatch tasks enqueued"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttr(run *workflow.Run) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow", run.Workflow))
}

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, run *workflow.Run) error {
	m.runStarted.Add(ctx, 1, workflowAttr(run))
	return nil
}

// OnRunSuspended implements ext.RunSuspended.
func (m *MetricsExtension) OnRunSuspended(ctx context.Context, run *workflow.Run, s *workflow.Suspension) error {
	m.runSuspended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", run.Workflow),
		attribute.String("reason", string(s.Reason)),
	))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error {
	m.runCompleted.Add(ctx, 1, workflowAttr(run))
	m.runDuration.Record(ctx, elapsed.Seconds(), workflowAttr(run))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, run *workflow.Run, _ error) error {
	m.runFailed.Add(ctx, 1, workflowAttr(run))
	return nil
}

// OnRunCancelled implements ext.RunCancelled.
func (m *MetricsExtension) OnRunCancelled(ctx context.Context, run *workflow.Run) error {
	m.runCancelled.Add(ctx, 1, workflowAttr(run))
	return nil
}

// OnRunRecovered implements ext.RunRecovered.
func (m *MetricsExtension) OnRunRecovered(ctx context.Context, run *workflow.Run, _ int) error {
	m.runRecovered.Add(ctx, 1, workflowAttr(run))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, run *workflow.Run, step *workflow.StepExecution, _ error) error {
	m.stepFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", run.Workflow),
		attribute.String("step", step.Name),
	))
	return nil
}

// ── Hook lifecycle hooks ────────────────────────────

// OnHookReceived implements ext.HookReceived.
func (m *MetricsExtension) OnHookReceived(ctx context.Context, hook *workflow.HookRecord) error {
	m.hookReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook.Name)))
	return nil
}

// OnHookExpired implements ext.HookExpired.
func (m *MetricsExtension) OnHookExpired(ctx context.Context, hook *workflow.HookRecord) error {
	m.hookExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook.Name)))
	return nil
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskEnqueued implements ext.TaskEnqueued.
func (m *MetricsExtension) OnTaskEnqueued(ctx context.Context, t *task.Task) error {
	m.taskEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(t.Kind)),
		attribute.String("queue", t.Queue),
	))
	return nil
}
