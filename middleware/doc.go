// Package middleware provides composable middleware for task execution.
//
// A [Middleware] is a function that wraps a run invocation. Middleware
// are composed into a chain using [Chain] and applied before each task
// executes. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs task kind, run ID, queue, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the invocation context after the task's deadline
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-invocation duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *task.Task, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
//
// Note that a run suspending is not an error: the handler returns nil
// when the invocation parked the run on a sleep, hook, or retry, so
// logging and metrics report it as a normal completion of the task.
package middleware
