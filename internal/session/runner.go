package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/redact"
)

// Agent performs one step of a session's work per call. A step emits its
// events through rec and reports done once the agent has nothing left to
// do. A step is never cut short by an interrupt.
type Agent interface {
	Step(ctx context.Context, step int, rec *Recorder) (done bool, err error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, step int, rec *Recorder) (bool, error)

// Step calls f.
func (f AgentFunc) Step(ctx context.Context, step int, rec *Recorder) (bool, error) {
	return f(ctx, step, rec)
}

// Recorder appends events to one thread.
type Recorder struct {
	log      *events.Log
	threadID string
}

// ThreadID returns the thread the recorder writes to.
func (r *Recorder) ThreadID() string { return r.threadID }

// Emit appends an event to the thread. Run markers belong to the
// Controller and are rejected.
func (r *Recorder) Emit(ctx context.Context, eventType string, payload any) (*domain.Event, error) {
	return r.log.AppendClient(ctx, r.threadID, eventType, payload)
}

// finishGrace bounds the writes that end a run after ctx was cancelled.
const finishGrace = 5 * time.Second

// Runner drives an Agent step by step, consulting the Controller between
// steps.
type Runner struct {
	controller *Controller
	log        *events.Log
	maxSteps   int
	logger     *slog.Logger
}

// NewRunner creates a Runner that fails runs exceeding maxSteps.
func NewRunner(controller *Controller, log *events.Log, maxSteps int, logger *slog.Logger) *Runner {
	if maxSteps <= 0 {
		maxSteps = 1
	}
	return &Runner{
		controller: controller,
		log:        log,
		maxSteps:   maxSteps,
		logger:     logger.With("component", "session_runner"),
	}
}

// Run starts a run on threadID and steps agent until it is done, fails, is
// interrupted or exceeds the step limit. It returns the status the run
// ended with. The error is the step's error, if any.
func (r *Runner) Run(ctx context.Context, threadID, projectID string, agent Agent) (domain.SessionStatus, error) {
	if _, err := r.controller.Start(ctx, threadID, projectID); err != nil {
		return "", err
	}

	log := r.logger.With("thread_id", threadID)
	ctx = logger.WithLogger(ctx, log)
	rec := &Recorder{log: r.log, threadID: threadID}

	for step := 1; ; step++ {
		cp, err := r.controller.Checkpoint(ctx, threadID)
		if err != nil {
			return r.finish(ctx, threadID, err)
		}
		if cp.Stop {
			log.InfoContext(ctx, "run stopped at checkpoint", "status", cp.Status, "steps", step-1)
			return cp.Status, nil
		}

		if step > r.maxSteps {
			return r.finish(ctx, threadID, fmt.Errorf("%w: %d steps", domain.ErrStepLimit, r.maxSteps))
		}

		done, err := agent.Step(ctx, step, rec)
		if err != nil {
			return r.finish(ctx, threadID, err)
		}
		if done {
			return r.finish(ctx, threadID, nil)
		}
	}
}

func (r *Runner) finish(ctx context.Context, threadID string, stepErr error) (domain.SessionStatus, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishGrace)
	defer cancel()

	sess, err := r.controller.Finish(writeCtx, threadID, stepErr)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to finish run", "thread_id", threadID, "error", redact.Error(err))
		if stepErr != nil {
			return "", stepErr
		}
		return "", err
	}
	return sess.Status, stepErr
}
