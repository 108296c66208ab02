package rewind

import "time"

// Config holds worker-pool level configuration shared by the engine and
// the distributed runtime.
type Config struct {
	// Concurrency is the maximum number of dispatch tasks processed
	// concurrently by one worker process.
	Concurrency int

	// Queues is the list of task queues this process will poll.
	Queues []string

	// PollInterval is how often idle workers poll for new tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often in-flight tasks send heartbeats.
	HeartbeatInterval time.Duration

	// StaleTaskThreshold is how long a running task may go without a
	// heartbeat before it is considered orphaned by a dead worker.
	StaleTaskThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		Queues:             []string{"default"},
		PollInterval:       time.Second,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		StaleTaskThreshold: 30 * time.Second,
	}
}
