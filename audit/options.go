package audit

import "log/slog"

// Option configures the audit Extension.
type Option func(*Extension)

// WithActions restricts emission to the listed actions. By default
// every action is emitted.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}
