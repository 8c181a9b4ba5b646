package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of generation work a task performs.
type TaskType string

// Supported task types. The set is closed: DecodeParams and the provider
// registry both switch over it exhaustively.
const (
	TaskTypeImageGen    TaskType = "image_gen"
	TaskTypeVideoGen    TaskType = "video_gen"
	TaskTypeAudioGen    TaskType = "audio_gen"
	TaskTypeImageDesc   TaskType = "image_desc"
	TaskTypeVideoDesc   TaskType = "video_desc"
	TaskTypeVideoRender TaskType = "video_render"
)

// AllTaskTypes returns every supported task type in a stable order.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeImageGen,
		TaskTypeVideoGen,
		TaskTypeAudioGen,
		TaskTypeImageDesc,
		TaskTypeVideoDesc,
		TaskTypeVideoRender,
	}
}

// ParseTaskType converts a string into a TaskType, failing with a
// ValidationError for anything outside the supported set.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", NewValidationError("task_type", "must be one of image_gen, video_gen, audio_gen, image_desc, video_desc, video_render")
	}
	return t, nil
}

// Valid reports whether t is a supported task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeImageGen, TaskTypeVideoGen, TaskTypeAudioGen,
		TaskTypeImageDesc, TaskTypeVideoDesc, TaskTypeVideoRender:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is completed or failed. Terminal tasks are
// never mutated again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// LeaseExpiredMessage is recorded on tasks failed because their lease lapsed
// after the last permitted attempt.
const LeaseExpiredMessage = "lease expired"

// Task is a durable record of one unit of generation work.
//
// A task holds a lease (WorkerID and LeaseExpiresAt set) exactly while it is
// processing. ExternalTaskID is only set while processing and only for task
// types served by an asynchronous provider.
type Task struct {
	ID             uuid.UUID       `json:"task_id"`
	Type           TaskType        `json:"task_type"`
	Status         TaskStatus      `json:"status"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTask creates a pending task after validating its type and parameters.
// The parameters are stored in their normalized JSON form.
func NewTask(taskType TaskType, rawParams json.RawMessage) (*Task, error) {
	params, err := DecodeParams(taskType, rawParams)
	if err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New(),
		Type:      taskType,
		Status:    TaskStatusPending,
		Params:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AwaitingExternal reports whether the task was handed to an asynchronous
// provider and is waiting for it to finish.
func (t *Task) AwaitingExternal() bool {
	return t.Status == TaskStatusProcessing && t.ExternalTaskID != ""
}
