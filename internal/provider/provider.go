package provider

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
)

// Request is the work handed to a provider for one task attempt.
type Request struct {
	TaskID uuid.UUID
	Type   domain.TaskType
	Params domain.Params

	// IdempotencyKey lets an asynchronous provider recognize a resubmission
	// of the same task after a reclaim. It is the task id.
	IdempotencyKey string
}

// NewRequest builds the request for a claimed task, decoding its stored
// parameters.
func NewRequest(task *domain.Task) (Request, error) {
	params, err := domain.DecodeParams(task.Type, task.Params)
	if err != nil {
		return Request{}, err
	}
	return Request{
		TaskID:         task.ID,
		Type:           task.Type,
		Params:         params,
		IdempotencyKey: task.ID.String(),
	}, nil
}

// Provider is implemented by every provider.
type Provider interface {
	// Name identifies the provider in logs, metrics and error messages.
	Name() string
}

// SyncProvider produces a result in a single call.
type SyncProvider interface {
	Provider
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// AsyncProvider accepts a job and reports on it later.
type AsyncProvider interface {
	Provider

	// Submit starts the job and returns the provider's job id. Submitting
	// the same idempotency key twice returns the same job.
	Submit(ctx context.Context, req Request) (string, error)

	// Poll reports the state of a previously submitted job.
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// State is the lifecycle of an asynchronous job as reported by its provider.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// PollResult is one observation of an asynchronous job.
type PollResult struct {
	State  State
	Result json.RawMessage
	Error  string
}
