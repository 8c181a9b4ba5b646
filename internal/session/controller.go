package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/history"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/redact"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// StatusNotFound is reported for threads that do not exist.
const StatusNotFound = "not_found"

// Interrupt outcomes, also used as metric labels.
const (
	OutcomeAccepted          = "accepted"
	OutcomeAlreadyCompleting = "already_completing"
	OutcomeAlreadyTerminal   = "already_terminal"
	OutcomeNotFound          = "not_found"
)

// StatusResult answers a status query.
type StatusResult struct {
	Status domain.SessionStatus `json:"status"`
	Exists bool                 `json:"exists"`
}

// InterruptResult answers an interrupt request. Success is true only for
// the request that moved the session out of running.
type InterruptResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CheckpointResult tells the step loop whether to stop before its next
// step.
type CheckpointResult struct {
	Stop   bool                 `json:"stop"`
	Status domain.SessionStatus `json:"status"`
}

// CacheConfig sizes the replayed-history cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// replayed is a cached history together with the session row it was built
// from. It is served only while the row still carries the same creation
// time and last sequence id.
type replayed struct {
	createdAt time.Time
	lastSeq   int64
	items     []*history.Item
}

// Controller arbitrates session status between the step loop and
// interrupt requests. Status is always read from the sessions table, so
// every process sees the same value.
type Controller struct {
	sessions store.SessionStore
	log      *events.Log
	replays  *expirable.LRU[string, replayed]
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewController creates a Controller.
func NewController(
	sessions store.SessionStore,
	log *events.Log,
	cache CacheConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*Controller, error) {
	if cache.Size <= 0 {
		return nil, fmt.Errorf("history cache size must be positive, got %d", cache.Size)
	}
	if cache.TTL <= 0 {
		return nil, fmt.Errorf("history cache ttl must be positive, got %s", cache.TTL)
	}
	return &Controller{
		sessions: sessions,
		log:      log,
		replays:  expirable.NewLRU[string, replayed](cache.Size, nil, cache.TTL),
		metrics:  metrics,
		logger:   logger.With("component", "session_controller"),
	}, nil
}

// Start opens a run on threadID. A new thread is created as running; a
// thread whose previous run ended is reopened and marked resumed. Starting
// a thread that is running or completing fails with domain.ErrSessionBusy.
func (c *Controller) Start(ctx context.Context, threadID, projectID string) (*domain.Session, error) {
	if err := events.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	sess, resumed, err := c.sessions.StartSession(ctx, threadID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if _, err := c.log.Append(ctx, threadID, domain.EventRunStart, domain.RunStartPayload{
		ProjectID: sess.ProjectID,
		Resumed:   resumed,
	}); err != nil {
		return nil, err
	}

	c.metrics.SessionTransition(string(domain.SessionStatusRunning))
	c.logger.InfoContext(ctx, "session started",
		"thread_id", threadID,
		"project_id", sess.ProjectID,
		"resumed", resumed)
	return sess, nil
}

// Status reports the persisted status of threadID.
func (c *Controller) Status(ctx context.Context, threadID string) (StatusResult, error) {
	sess, err := c.sessions.GetSession(ctx, threadID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return StatusResult{Exists: false}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("failed to read session status: %w", err)
	}
	return StatusResult{Status: sess.Status, Exists: true}, nil
}

// RequestInterrupt asks the running step loop to stop after its current
// step. Only the first request against a running session succeeds; the
// others report the actual status with an explanation.
func (c *Controller) RequestInterrupt(ctx context.Context, threadID string) (InterruptResult, error) {
	sess, marker, ok, err := c.sessions.TransitionSession(ctx, threadID,
		[]domain.SessionStatus{domain.SessionStatusRunning},
		domain.SessionStatusCompleting,
		&store.NewEvent{Type: domain.EventInterruptRequested, Payload: json.RawMessage(`{}`)},
	)
	if errors.Is(err, store.ErrSessionNotFound) {
		c.metrics.Interrupt(OutcomeNotFound)
		return InterruptResult{
			Status:  StatusNotFound,
			Message: "Session not found. Nothing to interrupt.",
		}, nil
	}
	if err != nil {
		return InterruptResult{}, fmt.Errorf("failed to request interrupt: %w", err)
	}

	if ok {
		c.log.Published(ctx, marker)
		c.metrics.Interrupt(OutcomeAccepted)
		c.metrics.SessionTransition(string(domain.SessionStatusCompleting))
		c.logger.InfoContext(ctx, "interrupt requested", "thread_id", threadID)
		return InterruptResult{
			Success: true,
			Status:  string(sess.Status),
			Message: "Interrupt requested. The session will stop after the current step.",
		}, nil
	}

	result := InterruptResult{Status: string(sess.Status)}
	switch sess.Status {
	case domain.SessionStatusCompleting:
		c.metrics.Interrupt(OutcomeAlreadyCompleting)
		result.Message = "Could not interrupt: an interrupt is already pending and the session is finishing its current step."
	case domain.SessionStatusInterrupted:
		c.metrics.Interrupt(OutcomeAlreadyTerminal)
		result.Message = "Could not interrupt: the session was already interrupted."
	default:
		c.metrics.Interrupt(OutcomeAlreadyTerminal)
		result.Message = "Could not interrupt: the session has already completed."
	}
	return result, nil
}

// Checkpoint is the step loop's suspension point. It reports whether the
// loop must stop; when an interrupt is pending it records the end of the
// run and moves the session to interrupted before returning.
func (c *Controller) Checkpoint(ctx context.Context, threadID string) (CheckpointResult, error) {
	sess, err := c.sessions.GetSession(ctx, threadID)
	if err != nil {
		return CheckpointResult{}, fmt.Errorf("failed to read session at checkpoint: %w", err)
	}

	switch sess.Status {
	case domain.SessionStatusRunning:
		return CheckpointResult{Status: sess.Status}, nil
	case domain.SessionStatusCompleting:
		sess, err = c.end(ctx, threadID,
			[]domain.SessionStatus{domain.SessionStatusCompleting},
			domain.SessionStatusInterrupted,
			domain.EndPayload{Reason: domain.EndReasonInterrupted},
		)
		if err != nil {
			return CheckpointResult{}, err
		}
		return CheckpointResult{Stop: true, Status: sess.Status}, nil
	default:
		return CheckpointResult{Stop: true, Status: sess.Status}, nil
	}
}

// Finish ends the current run. With a nil stepErr the run completed on its
// own, unless an interrupt arrived during the final step, in which case it
// ends interrupted. A non-nil stepErr is recorded as an error event and the
// run ends completed with reason error. Finishing a run that already ended
// is a no-op.
func (c *Controller) Finish(ctx context.Context, threadID string, stepErr error) (*domain.Session, error) {
	if stepErr != nil {
		sess, err := c.sessions.GetSession(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		if sess.Status.IsTerminal() {
			return sess, nil
		}
		msg := redact.Message(stepErr)
		if _, err := c.log.Append(ctx, threadID, domain.EventError, map[string]string{"message": msg}); err != nil {
			return nil, err
		}
		return c.end(ctx, threadID,
			[]domain.SessionStatus{domain.SessionStatusRunning, domain.SessionStatusCompleting},
			domain.SessionStatusCompleted,
			domain.EndPayload{Reason: domain.EndReasonError, Error: msg},
		)
	}

	sess, err := c.end(ctx, threadID,
		[]domain.SessionStatus{domain.SessionStatusRunning},
		domain.SessionStatusCompleted,
		domain.EndPayload{Reason: domain.EndReasonCompleted},
	)
	if err != nil || sess.Status != domain.SessionStatusCompleting {
		return sess, err
	}
	return c.end(ctx, threadID,
		[]domain.SessionStatus{domain.SessionStatusCompleting},
		domain.SessionStatusInterrupted,
		domain.EndPayload{Reason: domain.EndReasonInterrupted},
	)
}

// end applies a terminal transition with its end marker. When the session
// is not in one of from, the current session is returned unchanged.
func (c *Controller) end(
	ctx context.Context,
	threadID string,
	from []domain.SessionStatus,
	to domain.SessionStatus,
	payload domain.EndPayload,
) (*domain.Session, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode end event: %w", err)
	}

	sess, marker, ok, err := c.sessions.TransitionSession(ctx, threadID, from, to,
		&store.NewEvent{Type: domain.EventEnd, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	if !ok {
		return sess, nil
	}

	c.log.Published(ctx, marker)
	c.metrics.SessionTransition(string(to))
	c.logger.InfoContext(ctx, "session ended",
		"thread_id", threadID,
		"status", to,
		"reason", payload.Reason)
	return sess, nil
}

// List returns the sessions of a project, most recently updated first.
func (c *Controller) List(ctx context.Context, projectID string, limit int) ([]*domain.Session, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "is required")
	}
	sessions, err := c.sessions.ListSessions(ctx, store.SessionFilter{ProjectID: projectID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// History replays the thread's event log into display items. An unknown
// thread has an empty history. The returned items are shared with the
// cache and must not be modified.
func (c *Controller) History(ctx context.Context, threadID string) ([]*history.Item, error) {
	sess, err := c.sessions.GetSession(ctx, threadID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return []*history.Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if cached, ok := c.replays.Get(threadID); ok &&
		cached.lastSeq == sess.LastSequence && cached.createdAt.Equal(sess.CreatedAt) {
		return cached.items, nil
	}

	evs, err := c.log.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	items := history.Replay(evs)

	// Events appended after the session read would make the stamp stale.
	if n := len(evs); n > 0 && evs[n-1].SequenceID == sess.LastSequence {
		c.replays.Add(threadID, replayed{createdAt: sess.CreatedAt, lastSeq: sess.LastSequence, items: items})
	}
	return items, nil
}

// Delete purges the session and all its events.
func (c *Controller) Delete(ctx context.Context, threadID string) error {
	if err := c.log.Delete(ctx, threadID); err != nil {
		return err
	}
	c.replays.Remove(threadID)
	return nil
}
