package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/history"
)

// SubmitTaskRequest is the body of POST /tasks/submit.
type SubmitTaskRequest struct {
	TaskType string          `json:"task_type" validate:"required"`
	Params   json.RawMessage `json:"params" validate:"required"`
}

// SubmitTaskResponse is returned once a task is accepted.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResponse is the client view of a task. Lease internals are omitted.
type TaskResponse struct {
	TaskID         string          `json:"task_id"`
	TaskType       string          `json:"task_type"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TaskListResponse wraps a task listing.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// HeartbeatRequest is the optional body of POST /tasks/{task_id}/heartbeat.
// With a worker id the call renews that worker's lease; without one it
// polls the task's external job.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id,omitempty" validate:"omitempty,max=128"`
}

// HeartbeatResponse reports the task status after a heartbeat.
type HeartbeatResponse struct {
	Status    string `json:"status"`
	LeaseHeld *bool  `json:"lease_held,omitempty"`
}

// SessionStatusResponse is returned by GET /session/{thread_id}/status.
type SessionStatusResponse struct {
	Status string `json:"status"`
	Exists bool   `json:"exists"`
}

// InterruptResponse is returned by POST /session/{thread_id}/interrupt.
type InterruptResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HistoryResponse carries the replayed transcript of a thread.
type HistoryResponse struct {
	Messages []*history.Item `json:"messages"`
}

// SessionResponse is one entry of a project listing.
type SessionResponse struct {
	ThreadID       string    `json:"thread_id"`
	ProjectID      string    `json:"project_id"`
	Status         string    `json:"status"`
	LastSequenceID int64     `json:"last_sequence_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionListResponse wraps a project's sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// SuccessResponse acknowledges a mutation.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// StartSessionRequest is the body of POST /session/{thread_id}/start.
type StartSessionRequest struct {
	ProjectID string `json:"project_id" validate:"required,max=128"`
}

// StartSessionResponse reports the session after a start.
type StartSessionResponse struct {
	Status         string `json:"status"`
	LastSequenceID int64  `json:"last_sequence_id"`
}

// AppendEventRequest is the body of POST /session/{thread_id}/events.
type AppendEventRequest struct {
	EventType string          `json:"event_type" validate:"required,max=64"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AppendEventResponse returns the sequence id assigned to the event.
type AppendEventResponse struct {
	SequenceID int64 `json:"sequence_id"`
}

// CheckpointResponse tells an out-of-process step loop whether to stop.
type CheckpointResponse struct {
	Stop   bool   `json:"stop"`
	Status string `json:"status"`
}

// FinishRequest is the optional body of POST /session/{thread_id}/finish.
type FinishRequest struct {
	Error string `json:"error,omitempty"`
}

// FinishResponse reports the status a finished session settled in.
type FinishResponse struct {
	Status string `json:"status"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		TaskID:         t.ID.String(),
		TaskType:       string(t.Type),
		Status:         string(t.Status),
		Result:         t.Result,
		Error:          t.Error,
		ExternalTaskID: t.ExternalTaskID,
		AttemptCount:   t.AttemptCount,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func sessionToResponse(s *domain.Session) SessionResponse {
	return SessionResponse{
		ThreadID:       s.ThreadID,
		ProjectID:      s.ProjectID,
		Status:         string(s.Status),
		LastSequenceID: s.LastSequence,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}
