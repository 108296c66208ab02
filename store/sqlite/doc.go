// Package sqlite provides a SQLite store backend on the pure-Go
// modernc.org/sqlite driver. One file on disk gives full durability
// without a database server, which suits single-process deployments
// and integration tests.
//
// The backend opens with WAL journaling and a single write connection;
// SQLite's one-writer model then makes event sequencing and task
// claiming naturally atomic.
package sqlite
