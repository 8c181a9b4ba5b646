// Package events provides the per-thread append-only event log of agent
// sessions.
//
// Log is the single writer-facing entry point: it assigns sequence ids
// through the EventStore and, once an event is durable, notifies any
// registered Handler. The Broadcaster handler lets live readers such as
// websocket streams wake up instead of polling the store continuously.
package events
