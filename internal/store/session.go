package store

import (
	"context"
	"encoding/json"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// NewEvent is an event not yet assigned a sequence id.
type NewEvent struct {
	Type    string
	Payload json.RawMessage
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	ProjectID string
	Status    domain.SessionStatus
	Limit     int
}

// SessionStore defines the interface for session state persistence.
type SessionStore interface {
	// GetSession retrieves a session by thread id.
	// Returns ErrSessionNotFound if the thread does not exist.
	GetSession(ctx context.Context, threadID string) (*domain.Session, error)

	// ListSessions returns sessions matching the filter, most recently
	// updated first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	// StartSession creates the thread as running, or reopens a terminal
	// thread as running. resumed is true for the latter. Returns
	// domain.ErrSessionBusy if the thread is running or completing.
	StartSession(ctx context.Context, threadID, projectID string) (session *domain.Session, resumed bool, err error)

	// TransitionSession moves a session whose status is one of from to the
	// status to and, when marker is non-nil, appends it in the same
	// transaction. When the current status is not in from nothing changes
	// and ok is false; the returned session then reports the actual status.
	// Returns ErrSessionNotFound if the thread does not exist.
	TransitionSession(
		ctx context.Context,
		threadID string,
		from []domain.SessionStatus,
		to domain.SessionStatus,
		marker *NewEvent,
	) (session *domain.Session, event *domain.Event, ok bool, err error)
}

// EventStore defines the interface for the per-thread append-only event log.
type EventStore interface {
	// AppendEvent assigns the next sequence id of the thread and persists
	// the event. The first event of an unknown thread creates its session
	// as running.
	AppendEvent(ctx context.Context, threadID string, event NewEvent) (*domain.Event, error)

	// ListEvents returns events with sequence id greater than afterSeq in
	// ascending order. limit <= 0 means no limit.
	ListEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*domain.Event, error)

	// DeleteThread removes all events and the session of a thread in one
	// transaction. Returns ErrSessionNotFound if the thread does not exist.
	DeleteThread(ctx context.Context, threadID string) error
}
