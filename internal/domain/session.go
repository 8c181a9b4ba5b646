package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the state of an agent session.
//
//	running -> completing -> interrupted
//	running -> completed
//
// interrupted and completed are terminal for the current run; a later Start
// opens a new run on the same thread.
type SessionStatus string

// Possible session status values
const (
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusCompleting  SessionStatus = "completing"
	SessionStatusInterrupted SessionStatus = "interrupted"
	SessionStatusCompleted   SessionStatus = "completed"
)

// IsTerminal reports whether s ends a run.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusInterrupted || s == SessionStatusCompleted
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusRunning, SessionStatusCompleting,
		SessionStatusInterrupted, SessionStatusCompleted:
		return true
	default:
		return false
	}
}

// Session is one addressable agent run, identified by its thread id.
type Session struct {
	ThreadID     string        `json:"thread_id"`
	ProjectID    string        `json:"project_id"`
	Status       SessionStatus `json:"status"`
	LastSequence int64         `json:"last_sequence_id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Event types with meaning to the session state machine and to history
// replay. Any other type is accepted and replayed as a generic item.
const (
	EventText               = "text"
	EventThinking           = "thinking"
	EventToolStart          = "tool_start"
	EventToolEnd            = "tool_end"
	EventSubAgentStart      = "sub_agent_start"
	EventSubAgentEnd        = "sub_agent_end"
	EventNodeProposal       = "node_proposal"
	EventUserMessage        = "user_message"
	EventError              = "error"
	EventRunStart           = "run_start"
	EventInterruptRequested = "interrupt_requested"
	EventEnd                = "end"
)

// End reasons carried by the terminal end event.
const (
	EndReasonCompleted   = "completed"
	EndReasonInterrupted = "interrupted"
	EndReasonError       = "error"
)

// Event is one entry of a thread's append-only log.
type Event struct {
	ThreadID   string          `json:"thread_id"`
	SequenceID int64           `json:"sequence_id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EndPayload is the payload of an end event.
type EndPayload struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// RunStartPayload is the payload of a run_start event.
type RunStartPayload struct {
	ProjectID string `json:"project_id,omitempty"`
	Resumed   bool   `json:"resumed"`
}
