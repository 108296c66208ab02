// Package store defines the combined persistence interface for the
// engine and hosts its backends.
//
// Each subsystem declares its own narrow store contract (event.Store,
// workflow.Store, task.Store, worker.Store); this package combines
// them into the single Store a backend implements. Backends:
//
//   - memory: in-process maps, for tests and embedded use
//   - sqlite: single-file durability without a database server
//   - postgres: the production backend (SKIP LOCKED dequeue, advisory
//     locks for event sequencing)
//   - redis: low-latency backend for ephemeral or high-churn loads
package store

import (
	"context"

	"github.com/QualityUnit/rewind/event"
	"github.com/QualityUnit/rewind/task"
	"github.com/QualityUnit/rewind/worker"
	"github.com/QualityUnit/rewind/workflow"
)

// Store is the full persistence contract. Every backend implements all
// subsystem stores against one set of connections, so cross-subsystem
// consistency (a run update plus its event append) lands in the same
// database.
type Store interface {
	event.Store
	workflow.Store
	task.Store
	worker.Store

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
