// Package postgres implements the rewind store on PostgreSQL using
// pgx. It is the recommended backend for multi-node deployments: task
// claiming uses FOR UPDATE SKIP LOCKED and event sequencing uses
// per-run advisory locks, so any number of workers can share one
// database without claiming the same task or racing event sequences.
//
// Connect opens a pool and runs the idempotent migrations:
//
//	st, err := postgres.Connect(ctx, "postgres://localhost/rewind")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
// New wraps an existing *pgxpool.Pool when the caller manages
// connections itself; call Migrate before first use.
package postgres
