// Package store defines the persistence contracts for tasks, sessions and
// events. Every state transition that matters for correctness is a single
// conditional statement evaluated by the database, so any number of worker
// processes can share one store without in-process locking.
//
// Implementations live in internal/platform/postgres and
// internal/platform/sqlite and must keep identical conditional-update
// semantics.
package store
