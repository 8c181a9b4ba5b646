// Package session implements the lifecycle of interruptible agent sessions.
//
// A session moves through
//
//	running -> completing -> interrupted
//	running -> completed
//
// Clients only ever request an interrupt, which moves running to
// completing. The step loop observes the request at its single suspension
// point, Controller.Checkpoint, between steps, and performs the terminal
// transition itself. Every accepted interrupt and every terminal transition
// is recorded as a marker event in the same transaction as the status
// change.
package session
