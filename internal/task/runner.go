package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/provider"
	"github.com/phrazzld/storyboard-api/internal/redact"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers claim tasks
	WorkerCount int

	// PollInterval is how long an idle worker waits before trying to claim
	// again
	PollInterval time.Duration

	// WorkerPrefix is prepended to generated worker ids, typically the host
	// name, so leases can be traced to a process
	WorkerPrefix string
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:  4,
		PollInterval: 2 * time.Second,
		WorkerPrefix: "worker",
	}
}

// shutdownGrace bounds the store calls made after the runner's context is
// cancelled, such as releasing an in-flight task.
const shutdownGrace = 5 * time.Second

// Runner manages a pool of workers. Each worker repeatedly claims a task,
// keeps its lease alive while a provider works on it and records the
// outcome.
type Runner struct {
	lease    *LeaseManager
	registry *provider.Registry
	config   RunnerConfig
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a new Runner
func NewRunner(
	lease *LeaseManager,
	registry *provider.Registry,
	config RunnerConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Runner {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if config.WorkerPrefix == "" {
		config.WorkerPrefix = DefaultRunnerConfig().WorkerPrefix
	}
	return &Runner{
		lease:    lease,
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger.With("component", "task_runner"),
	}
}

// Start launches the workers. They run until Stop is called or ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelFunc != nil {
		return errors.New("task runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	for i := 0; i < r.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%s", r.config.WorkerPrefix, ulid.Make())
		r.wg.Add(1)
		go r.worker(ctx, workerID)
	}
	r.logger.Info("task runner started", "worker_count", r.config.WorkerCount)
	return nil
}

// Stop cancels the workers and waits for them to exit. A task in flight is
// released back to pending.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancelFunc
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// Run starts the workers and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// worker claims tasks until none is left, then waits for the next tick.
func (r *Runner) worker(ctx context.Context, workerID string) {
	defer r.wg.Done()

	log := r.logger.With("worker_id", workerID)
	log.Debug("starting worker")

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		r.drain(ctx, workerID, log)

		select {
		case <-ctx.Done():
			log.Debug("stopping worker")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) drain(ctx context.Context, workerID string, log *slog.Logger) {
	for ctx.Err() == nil {
		task, err := r.lease.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to claim task", "error", redact.Error(err))
			}
			return
		}
		if task == nil {
			return
		}
		r.Execute(ctx, task, workerID)
	}
}

// Execute runs one claimed task to a recorded outcome. The lease is
// renewed every heartbeat interval; if it is lost the provider call is
// cancelled and nothing is written.
func (r *Runner) Execute(ctx context.Context, task *domain.Task, workerID string) {
	log := r.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"worker_id", workerID,
		"attempt", task.AttemptCount,
	)
	log.Info("processing task")
	started := time.Now()
	defer func() { r.metrics.ObserveTask(string(task.Type), time.Since(started)) }()

	taskCtx, cancelTask := context.WithCancel(logger.WithLogger(ctx, log))
	defer cancelTask()

	var lost bool
	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		if !r.keepAlive(taskCtx, task, workerID, hbStop, log) {
			lost = true
			cancelTask()
		}
	}()

	outcome, err := r.invoke(taskCtx, task)

	close(hbStop)
	<-hbDone

	if lost {
		log.Warn("lease lost during execution, abandoning result")
		return
	}

	// The remaining writes must land even if shutdown cancelled ctx.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancelWrite()

	if err != nil && ctx.Err() != nil {
		if relErr := r.lease.Release(writeCtx, task.ID, workerID, "worker shut down"); relErr != nil {
			log.Warn("failed to release task on shutdown", "error", redact.Error(relErr))
		} else {
			log.Info("released task on shutdown")
		}
		return
	}

	switch {
	case err != nil:
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			r.metrics.ProviderError(pe.Provider, pe.Retryable)
		}
		transition, ferr := r.lease.Retry(writeCtx, task, workerID, err)
		r.logOutcome(log, ferr, "task attempt failed", "transition", transition, "error", redact.Error(err))
	case outcome.externalID != "":
		ferr := r.lease.AttachExternal(writeCtx, task.ID, workerID, outcome.externalID)
		r.logOutcome(log, ferr, "task handed to provider", "external_task_id", outcome.externalID)
	default:
		ferr := r.lease.Complete(writeCtx, task.ID, workerID, outcome.result)
		r.logOutcome(log, ferr, "task completed successfully")
	}
}

func (r *Runner) logOutcome(log *slog.Logger, err error, msg string, args ...any) {
	switch {
	case err == nil:
		log.Info(msg, args...)
	case errors.Is(err, domain.ErrStaleLease):
		log.Warn("lease lost before the outcome was recorded", append(args, "outcome", msg)...)
	default:
		log.Error("failed to record task outcome", append(args, "outcome", msg, "store_error", redact.Error(err))...)
	}
}

// keepAlive heartbeats until stop is closed. It returns false once the
// lease is lost.
func (r *Runner) keepAlive(
	ctx context.Context,
	task *domain.Task,
	workerID string,
	stop <-chan struct{},
	log *slog.Logger,
) bool {
	ticker := time.NewTicker(r.lease.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return true
		case <-ctx.Done():
			return true
		case <-ticker.C:
			held, err := r.lease.Heartbeat(ctx, task.ID, workerID)
			if err != nil {
				// A transient store error is not proof the lease is gone;
				// the next tick tries again.
				log.Warn("heartbeat failed", "error", redact.Error(err))
				continue
			}
			if !held {
				return false
			}
		}
	}
}

type outcome struct {
	result     json.RawMessage
	externalID string
}

// invoke calls the task's provider. Panics are converted into
// non-retryable failures.
func (r *Runner) invoke(ctx context.Context, task *domain.Task) (out outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("provider panicked",
				"task_id", task.ID,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			err = &domain.ProviderError{
				Provider: "runner",
				Message:  fmt.Sprintf("provider panicked: %v", rec),
			}
		}
	}()

	req, err := provider.NewRequest(task)
	if err != nil {
		return outcome{}, fmt.Errorf("stored parameters are invalid: %w", err)
	}
	p, err := r.registry.Lookup(task.Type)
	if err != nil {
		return outcome{}, err
	}

	switch p := p.(type) {
	case provider.AsyncProvider:
		id, err := p.Submit(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		return outcome{externalID: id}, nil
	case provider.SyncProvider:
		result, err := p.Generate(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		return outcome{result: result}, nil
	default:
		return outcome{}, fmt.Errorf("provider %s cannot execute tasks", p.Name())
	}
}
