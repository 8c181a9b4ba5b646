// Package sqlite implements the store interfaces on SQLite through the
// pure-Go modernc.org/sqlite driver. It is used for local development and
// tests.
//
// Every mutating transaction begins with BEGIN IMMEDIATE (see DSN), so the
// single writer lock serializes claims without FOR UPDATE SKIP LOCKED.
package sqlite
