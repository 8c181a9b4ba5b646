package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
)

// TaskFilter narrows a task listing. Zero values mean "any".
type TaskFilter struct {
	Status domain.TaskStatus
	Type   domain.TaskType
	Limit  int
}

// DefaultListLimit caps listings when the caller gives no limit.
const DefaultListLimit = 100

// EffectiveLimit returns the limit to apply for a requested value.
func EffectiveLimit(requested int) int {
	if requested <= 0 || requested > 1000 {
		return DefaultListLimit
	}
	return requested
}

// ReclaimStats reports what a reclaim sweep did.
type ReclaimStats struct {
	Requeued int64
	Failed   int64
}

// TaskStore defines the interface for task persistence and lease transitions.
//
// Every lease-holder operation is conditioned on (id, worker_id,
// status = processing). When that condition does not hold the store returns
// domain.ErrStaleLease if the task exists and ErrTaskNotFound otherwise.
type TaskStore interface {
	// Create inserts a pending task.
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by id.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// Claim atomically takes one task that is pending, or processing with an
	// expired lease and fewer than maxAttempts attempts. The claimed task is
	// processing, owned by workerID, has a fresh lease, an incremented
	// attempt count and no external id. Returns nil, nil when nothing is
	// eligible.
	Claim(ctx context.Context, workerID string, lease time.Duration, maxAttempts int) (*domain.Task, error)

	// Heartbeat extends the lease held by workerID. The new expiry is
	// strictly later than the old one. Returns false without mutating
	// anything when the lease is no longer held.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error)

	// Complete marks the task completed with result and releases the lease.
	Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error

	// Fail marks the task failed with msg and releases the lease.
	Fail(ctx context.Context, id uuid.UUID, workerID string, msg string) error

	// Release returns the task to pending, keeping msg as its last error.
	Release(ctx context.Context, id uuid.UUID, workerID string, msg string) error

	// AttachExternal records the asynchronous provider's job id on a task
	// whose lease workerID holds.
	AttachExternal(ctx context.Context, id uuid.UUID, workerID string, externalID string) error

	// HeartbeatExternal renews the lease of a task waiting on externalID.
	// Returns false when the task no longer waits on that job.
	HeartbeatExternal(ctx context.Context, id uuid.UUID, externalID string, lease time.Duration) (bool, error)

	// CompleteExternal completes a task waiting on externalID and clears the
	// external id.
	CompleteExternal(ctx context.Context, id uuid.UUID, externalID string, result json.RawMessage) error

	// FailExternal fails a task waiting on externalID and clears the
	// external id.
	FailExternal(ctx context.Context, id uuid.UUID, externalID string, msg string) error

	// ListAwaitingExternal returns processing tasks that carry an external id.
	ListAwaitingExternal(ctx context.Context, limit int) ([]*domain.Task, error)

	// ReclaimExpired requeues processing tasks whose lease expired while
	// attempts remain, and fails the rest with domain.LeaseExpiredMessage.
	ReclaimExpired(ctx context.Context, maxAttempts int) (ReclaimStats, error)
}
