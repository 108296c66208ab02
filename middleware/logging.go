package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/QualityUnit/rewind/task"
)

// Logging returns middleware that logs invocation start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		logger.Info("invocation started",
			slog.String("task_id", t.ID.String()),
			slog.String("kind", string(t.Kind)),
			slog.String("run_id", t.RunID.String()),
			slog.String("queue", t.Queue),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("invocation failed",
				slog.String("task_id", t.ID.String()),
				slog.String("run_id", t.RunID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("invocation completed",
				slog.String("task_id", t.ID.String()),
				slog.String("run_id", t.RunID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
