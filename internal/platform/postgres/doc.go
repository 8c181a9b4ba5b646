// Package postgres provides PostgreSQL implementations of the task, session
// and event stores defined in internal/store, together with the embedded
// goose migrations that create their schema.
//
// Claims use FOR UPDATE SKIP LOCKED so any number of worker processes can
// share one database. Every lease transition is a single conditional UPDATE.
package postgres
