// Package observability provides an OpenTelemetry-based metrics
// extension for Rewind. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for run starts, suspensions,
// completions, failures, cancellations, crash recoveries, step
// failures, hook traffic, and task enqueues.
//
// For per-invocation tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
