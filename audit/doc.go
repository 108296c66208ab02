// Package audit is an extension that bridges lifecycle events to an
// immutable audit trail backend.
//
// Every run, step, hook, and task lifecycle event is emitted as a
// structured audit record through the [Recorder] interface. The
// extension assigns severity levels (info for normal operations,
// warning for retries and expiries, critical for terminal failures)
// and rich metadata (workflow name, step name, elapsed time, errors).
//
// # Usage
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithExtension(audit.New(audit.RecorderFunc(
//	        func(ctx context.Context, evt *audit.Event) error {
//	            return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionRunFailed,
//	        audit.ActionRunCancelled,
//	        audit.ActionStepFailed,
//	    ),
//	)
package audit
