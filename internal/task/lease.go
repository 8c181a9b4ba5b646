package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/redact"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// LeaseConfig holds the lease protocol settings.
type LeaseConfig struct {
	// Lease is how long a claim or heartbeat keeps a task owned.
	Lease time.Duration

	// HeartbeatInterval is how often a worker renews its lease. It must be
	// at most a third of Lease so two missed heartbeats do not lose it.
	HeartbeatInterval time.Duration

	// MaxAttempts caps how many times a task is claimed.
	MaxAttempts int
}

// DefaultLeaseConfig returns the standard lease settings.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		Lease:             3 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxAttempts:       3,
	}
}

// Validate checks the settings for internal consistency.
func (c LeaseConfig) Validate() error {
	switch {
	case c.Lease <= 0:
		return errors.New("lease duration must be positive")
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeat interval must be positive")
	case c.HeartbeatInterval*3 > c.Lease:
		return fmt.Errorf("heartbeat interval %s must be at most a third of the lease %s",
			c.HeartbeatInterval, c.Lease)
	case c.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	}
	return nil
}

// Transition names recorded in metrics and logs.
const (
	TransitionCompleted      = "completed"
	TransitionFailed         = "failed"
	TransitionRequeued       = "requeued"
	TransitionExternal       = "external"
	TransitionReclaimed      = "reclaimed"
	TransitionLeaseExhausted = "lease_exhausted"
)

// LeaseManager applies the lease protocol on top of a store.TaskStore.
type LeaseManager struct {
	store   store.TaskStore
	cfg     LeaseConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewLeaseManager creates a lease manager. cfg must be valid.
func NewLeaseManager(
	s store.TaskStore,
	cfg LeaseConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*LeaseManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lease config: %w", err)
	}
	return &LeaseManager{
		store:   s,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "lease_manager"),
	}, nil
}

// Config returns the lease settings.
func (m *LeaseManager) Config() LeaseConfig { return m.cfg }

// Claim takes one eligible task for workerID, or returns nil when there is
// none. A task whose lease expired is claimed again directly if it has
// attempts left.
func (m *LeaseManager) Claim(ctx context.Context, workerID string) (*domain.Task, error) {
	task, err := m.store.Claim(ctx, workerID, m.cfg.Lease, m.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	m.metrics.Claim(task != nil)
	if task != nil && task.AttemptCount > 1 {
		m.metrics.TaskTransition(TransitionReclaimed, 1)
		m.logger.InfoContext(ctx, "reclaimed task",
			"task_id", task.ID,
			"task_type", task.Type,
			"worker_id", workerID,
			"attempt", task.AttemptCount)
	}
	return task, nil
}

// Heartbeat renews workerID's lease on the task. It returns false when the
// lease has been lost; the caller must then stop working on the task.
func (m *LeaseManager) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	held, err := m.store.Heartbeat(ctx, id, workerID, m.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	if !held {
		m.metrics.LeaseLost()
	}
	return held, nil
}

// Complete records the result of a task whose lease workerID holds.
func (m *LeaseManager) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	if err := m.store.Complete(ctx, id, workerID, result); err != nil {
		return err
	}
	m.metrics.TaskTransition(TransitionCompleted, 1)
	return nil
}

// Fail fails a task whose lease workerID holds. The message is redacted
// before it is stored.
func (m *LeaseManager) Fail(ctx context.Context, id uuid.UUID, workerID string, cause error) error {
	if err := m.store.Fail(ctx, id, workerID, redact.Message(cause)); err != nil {
		return err
	}
	m.metrics.TaskTransition(TransitionFailed, 1)
	return nil
}

// Retry handles a failed attempt. A retryable provider error on a task with
// attempts left releases it back to pending; anything else fails the task.
// It returns the transition applied.
func (m *LeaseManager) Retry(ctx context.Context, task *domain.Task, workerID string, cause error) (string, error) {
	if domain.IsRetryable(cause) && task.AttemptCount < m.cfg.MaxAttempts {
		if err := m.store.Release(ctx, task.ID, workerID, redact.Message(cause)); err != nil {
			return "", err
		}
		m.metrics.TaskTransition(TransitionRequeued, 1)
		return TransitionRequeued, nil
	}
	if err := m.Fail(ctx, task.ID, workerID, cause); err != nil {
		return "", err
	}
	return TransitionFailed, nil
}

// Release gives the task back without counting it as failed, used when a
// worker shuts down mid-task.
func (m *LeaseManager) Release(ctx context.Context, id uuid.UUID, workerID string, reason string) error {
	if err := m.store.Release(ctx, id, workerID, reason); err != nil {
		return err
	}
	m.metrics.TaskTransition(TransitionRequeued, 1)
	return nil
}

// AttachExternal records the provider job id of an asynchronous task.
func (m *LeaseManager) AttachExternal(ctx context.Context, id uuid.UUID, workerID, externalID string) error {
	if err := m.store.AttachExternal(ctx, id, workerID, externalID); err != nil {
		return err
	}
	m.metrics.TaskTransition(TransitionExternal, 1)
	return nil
}

// ReclaimExpired requeues tasks whose lease lapsed with attempts left and
// fails those that ran out of attempts.
func (m *LeaseManager) ReclaimExpired(ctx context.Context) (store.ReclaimStats, error) {
	stats, err := m.store.ReclaimExpired(ctx, m.cfg.MaxAttempts)
	if err != nil {
		return stats, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	m.metrics.TaskTransition(TransitionRequeued, int(stats.Requeued))
	m.metrics.TaskTransition(TransitionLeaseExhausted, int(stats.Failed))
	if stats.Requeued > 0 || stats.Failed > 0 {
		m.logger.InfoContext(ctx, "reclaimed expired leases",
			"requeued", stats.Requeued,
			"failed", stats.Failed)
	}
	return stats, nil
}
