package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/provider"
	"github.com/phrazzld/storyboard-api/internal/redact"
	"github.com/phrazzld/storyboard-api/internal/store"
	"golang.org/x/sync/errgroup"
)

// Correlator reconciles tasks waiting on asynchronous provider jobs with
// the state the provider reports.
//
// Every write it makes is conditioned on the task still waiting on the same
// external id, so any number of correlators may poll the same task: the
// first to observe a terminal state wins and the rest get ErrStaleLease.
type Correlator struct {
	store    store.TaskStore
	registry *provider.Registry
	lease    LeaseConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewCorrelator creates a correlator.
func NewCorrelator(
	s store.TaskStore,
	registry *provider.Registry,
	lease LeaseConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Correlator {
	return &Correlator{
		store:    s,
		registry: registry,
		lease:    lease,
		metrics:  metrics,
		logger:   logger.With("component", "correlator"),
	}
}

// PollResult describes what one poll did.
type PollResult struct {
	State provider.State

	// Applied is false when another poller or a reclaim got there first.
	Applied bool
}

// Poll asks the provider about the task's external job and applies the
// answer: success completes the task, failure fails it, and a running job
// renews the lease.
func (c *Correlator) Poll(ctx context.Context, task *domain.Task) (PollResult, error) {
	if !task.AwaitingExternal() {
		return PollResult{}, fmt.Errorf("task %s is not waiting on an external job", task.ID)
	}
	ap, ok := c.registry.Async(task.Type)
	if !ok {
		return PollResult{}, fmt.Errorf("no asynchronous provider for task type %s", task.Type)
	}

	log := c.logger.With("task_id", task.ID, "task_type", task.Type, "external_task_id", task.ExternalTaskID)

	res, err := ap.Poll(ctx, task.ExternalTaskID)
	if err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			c.metrics.ProviderError(pe.Provider, pe.Retryable)
		}
		return PollResult{}, fmt.Errorf("failed to poll external job: %w", err)
	}
	c.metrics.ExternalPoll(string(res.State))

	var applyErr error
	switch res.State {
	case provider.StateSucceeded:
		applyErr = c.store.CompleteExternal(ctx, task.ID, task.ExternalTaskID, res.Result)
		if applyErr == nil {
			c.metrics.TaskTransition(TransitionCompleted, 1)
			log.InfoContext(ctx, "external job succeeded")
		}
	case provider.StateFailed:
		msg := redact.String(res.Error)
		if msg == "" {
			msg = "external job failed"
		}
		applyErr = c.store.FailExternal(ctx, task.ID, task.ExternalTaskID, msg)
		if applyErr == nil {
			c.metrics.TaskTransition(TransitionFailed, 1)
			log.InfoContext(ctx, "external job failed", "error", msg)
		}
	default:
		held, err := c.store.HeartbeatExternal(ctx, task.ID, task.ExternalTaskID, c.lease.Lease)
		if err != nil {
			return PollResult{}, fmt.Errorf("failed to renew external lease: %w", err)
		}
		return PollResult{State: provider.StateRunning, Applied: held}, nil
	}

	if errors.Is(applyErr, domain.ErrStaleLease) {
		log.DebugContext(ctx, "external result already applied")
		return PollResult{State: res.State}, nil
	}
	if applyErr != nil {
		return PollResult{}, fmt.Errorf("failed to apply external result: %w", applyErr)
	}
	return PollResult{State: res.State, Applied: true}, nil
}

// PollByID polls the task if it is waiting on an external job and returns
// its state afterwards. Tasks not waiting on a job are returned unchanged.
func (c *Correlator) PollByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.AwaitingExternal() {
		return task, nil
	}
	if _, err := c.Poll(ctx, task); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, id)
}

// Sweep polls every task waiting on an external job with at most
// concurrency polls in flight. Individual poll failures are logged and do
// not stop the sweep. It returns how many tasks reached a terminal state.
func (c *Correlator) Sweep(ctx context.Context, concurrency int) (int, error) {
	tasks, err := c.store.ListAwaitingExternal(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks awaiting external jobs: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var finished atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			res, err := c.Poll(gctx, task)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.WarnContext(gctx, "external poll failed",
					"task_id", task.ID,
					"external_task_id", task.ExternalTaskID,
					"error", redact.Error(err))
				return nil
			}
			if res.Applied && res.State != provider.StateRunning {
				finished.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(finished.Load()), err
	}
	return int(finished.Load()), nil
}
