// Package rewind provides a durable workflow execution engine for Go.
// Workflows are ordinary Go functions made fault-tolerant by recording
// every state transition into an append-only event log and replaying
// that log deterministically after a crash, a worker handoff, or an
// intentional suspension such as a multi-hour sleep.
//
// Rewind is designed as a library, not a service. Import it, configure
// a store, register workflows as ordinary Go functions, and start runs.
//
// # Quick Start
//
//	order := workflow.NewWorkflow("order",
//	    func(wf *workflow.Context, input OrderInput) (OrderResult, error) {
//	        order, err := workflow.Step(wf, "process", input.OrderID, processOrder)
//	        if err != nil {
//	            return OrderResult{}, err
//	        }
//	        if err := workflow.Sleep(wf, 24*time.Hour); err != nil {
//	            return OrderResult{}, err
//	        }
//	        return chargeOrder(wf, order)
//	    })
//
//	eng, err := engine.New(engine.WithStore(memory.New()))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Register(order); err != nil {
//	    return err
//	}
//
// # Architecture
//
// The engine follows a composable store pattern: each subsystem
// (workflow, event, task) defines its own store interface and a single
// backend implements all of them. Backends ship for memory, SQLite,
// Postgres, and Redis.
//
// Durable primitives — Step, Sleep, Hook — consult replay caches built
// from the event log before doing real work, so a resumed invocation
// fast-forwards through completed work and only executes what is new.
// A durable wait does not hold a worker: the primitive returns a
// Suspension error that unwinds to the engine, which persists the run
// as suspended and schedules a wake-up task for the resume time.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers. Step, sleep, and hook identities are deterministic
// hashes so that a replayed code path maps onto the same log entries.
package rewind
