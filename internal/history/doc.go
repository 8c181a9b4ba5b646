// Package history turns a thread's raw event log into a display transcript.
//
// Replay is a pure fold: it reads nothing but its argument, so replaying an
// unchanged log always yields the same items in sequence order.
package history
