package history

import (
	"encoding/json"
	"time"
)

// Kind classifies a display item.
type Kind string

// Display item kinds.
const (
	KindMessage      Kind = "message"
	KindThinking     Kind = "thinking"
	KindTool         Kind = "tool"
	KindSubAgent     Kind = "sub_agent"
	KindNodeProposal Kind = "node_proposal"
	KindUserMessage  Kind = "user_message"
	KindError        Kind = "error"
	KindMarker       Kind = "marker"
	KindEvent        Kind = "event"
)

// Status is the progress of a tool call or sub-agent.
type Status string

// Tool and sub-agent statuses. Incomplete means the run ended before the
// matching end event arrived.
const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusIncomplete Status = "incomplete"
)

// Item is one entry of a replayed transcript. SequenceID is the first
// event folded into it and LastSequenceID the last.
type Item struct {
	Kind           Kind            `json:"type"`
	SequenceID     int64           `json:"sequence_id"`
	LastSequenceID int64           `json:"last_sequence_id"`
	EventType      string          `json:"event_type,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	Text           string          `json:"text,omitempty"`
	Tool           *Tool           `json:"tool,omitempty"`
	SubAgent       *SubAgent       `json:"sub_agent,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Tool is a tool invocation assembled from a tool_start/tool_end pair.
type Tool struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Status Status          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubAgent is a nested transcript bracketed by sub_agent_start and
// sub_agent_end.
type SubAgent struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Items  []*Item         `json:"items"`
}
