// Package api exposes the HTTP surface of the storyboard backend: task
// submission and polling under /tasks, agent session control and history
// under /session, and a websocket tail of each thread's event log.
//
// Errors are mapped to status codes in one place, MapErrorToStatusCode, so
// internal error text never reaches clients.
package api
