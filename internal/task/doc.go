// Package task runs generation tasks: submission, the lease protocol that
// lets many workers share one task table, the worker pool that executes
// claimed tasks against providers, and the correlation of asynchronous
// provider jobs back to their tasks.
//
// Ownership of a task is decided entirely by conditional updates in the
// store. Nothing in this package holds a process-wide lock; two workers in
// different processes follow the same protocol as two goroutines here.
package task
