// Package engine is the workflow runtime. It ties the pieces together:
// the workflow registry, the persistence backend, the worker pool that
// delivers dispatch tasks, queue limits, middleware, and extensions.
//
// A minimal embedded setup:
//
//	st := memory.New()
//	eng, err := engine.New(engine.WithStore(st))
//	if err != nil { ... }
//
//	wf := workflow.NewWorkflow("greet", func(c *workflow.Context, name string) (string, error) {
//		return workflow.Step(c, "greeting", name, func(ctx context.Context, n string) (string, error) {
//			return "hello " + n, nil
//		})
//	})
//	eng.Register(wf)
//
//	eng.Start(ctx)
//	defer eng.Stop(ctx)
//
//	run, err := engine.Start(ctx, eng, "greet", "world")
//	run, err = eng.Await(ctx, run.ID, 0)
//	greeting, err := engine.Result[string](run)
//
// Execution model: starting a durable run only appends a record and a
// dispatch task; a worker picks the task up, replays the run's event
// log, and executes the body until it completes, fails, or suspends on
// a sleep, hook, or step retry. Every resume repeats the replay, so a
// run survives process crashes and migrates freely between workers.
package engine
