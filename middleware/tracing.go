package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/QualityUnit/rewind/task"
)

// tracerName is the instrumentation scope name for rewind tracing.
const tracerName = "github.com/QualityUnit/rewind"

// Tracing returns middleware that wraps each run invocation in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: rewind.task.id, rewind.task.kind,
// rewind.run.id, rewind.queue, rewind.task.attempts.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "rewind.run.invoke",
			trace.WithAttributes(
				attribute.String("rewind.task.id", t.ID.String()),
				attribute.String("rewind.task.kind", string(t.Kind)),
				attribute.String("rewind.run.id", t.RunID.String()),
				attribute.String("rewind.queue", t.Queue),
				attribute.Int("rewind.task.attempts", t.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
