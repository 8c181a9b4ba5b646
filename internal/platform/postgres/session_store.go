package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
)

const sessionColumns = `thread_id, project_id, status, last_sequence, created_at, updated_at`

const eventColumns = `thread_id, sequence_id, event_type, payload, created_at`

// PostgresSessionStore implements store.SessionStore and store.EventStore
// using PostgreSQL.
type PostgresSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ store.SessionStore = (*PostgresSessionStore)(nil)
	_ store.EventStore   = (*PostgresSessionStore)(nil)
)

// NewPostgresSessionStore creates a new PostgresSessionStore
func NewPostgresSessionStore(db *sql.DB, opts ...Option) *PostgresSessionStore {
	o := buildOptions(opts)
	return &PostgresSessionStore{db: db, now: o.now}
}

// GetSession retrieves a session by thread id.
func (s *PostgresSessionStore) GetSession(ctx context.Context, threadID string) (*domain.Session, error) {
	return getSession(ctx, s.db, threadID, false)
}

// ListSessions returns sessions matching filter, most recently updated first.
func (s *PostgresSessionStore) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*domain.Session, error) {
	q := psql.Select(sessionColumns).From("sessions").
		OrderBy("updated_at DESC", "thread_id").
		Limit(uint64(store.EffectiveLimit(filter.Limit)))
	if filter.ProjectID != "" {
		q = q.Where(sq.Eq{"project_id": filter.ProjectID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	sessions := []*domain.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// StartSession creates the thread or reopens it after a terminal run.
func (s *PostgresSessionStore) StartSession(
	ctx context.Context,
	threadID, projectID string,
) (*domain.Session, bool, error) {
	var (
		sess    *domain.Session
		resumed bool
	)
	now := s.now().UTC()

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (thread_id, project_id, status, last_sequence, created_at, updated_at)
			VALUES ($1, $2, 'running', 0, $3, $3)
			ON CONFLICT (thread_id) DO NOTHING`,
			threadID, projectID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", MapError(err))
		}
		created, err := affected(res)
		if err != nil {
			return err
		}

		if !created {
			res, err = tx.ExecContext(ctx, `
				UPDATE sessions
				SET status = 'running',
					project_id = CASE WHEN project_id = '' THEN $1 ELSE project_id END,
					updated_at = $2
				WHERE thread_id = $3 AND status IN ('interrupted', 'completed')`,
				projectID, now, threadID,
			)
			if err != nil {
				return fmt.Errorf("failed to reopen session: %w", MapError(err))
			}
			if resumed, err = affected(res); err != nil {
				return err
			}
			if !resumed {
				return domain.ErrSessionBusy
			}
		}

		sess, err = getSession(ctx, tx, threadID, false)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return sess, resumed, nil
}

// TransitionSession moves the session between statuses and appends the
// marker in the same transaction.
func (s *PostgresSessionStore) TransitionSession(
	ctx context.Context,
	threadID string,
	from []domain.SessionStatus,
	to domain.SessionStatus,
	marker *store.NewEvent,
) (*domain.Session, *domain.Event, bool, error) {
	var (
		sess  *domain.Session
		event *domain.Event
		ok    bool
	)
	now := s.now().UTC()

	fromStatuses := make([]string, 0, len(from))
	for _, st := range from {
		fromStatuses = append(fromStatuses, string(st))
	}

	q := psql.Update("sessions").
		Set("status", string(to)).
		Set("updated_at", now)
	if marker != nil {
		q = q.Set("last_sequence", sq.Expr("last_sequence + 1"))
	}
	query, args, err := q.
		Where(sq.Eq{"thread_id": threadID, "status": fromStatuses}).
		Suffix("RETURNING " + sessionColumns).
		ToSql()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to build transition: %w", err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			sess, err = getSession(ctx, tx, threadID, false)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to transition session: %w", MapError(err))
		}
		ok = true

		if marker != nil {
			event, err = insertEvent(ctx, tx, threadID, sess.LastSequence, *marker, now)
		}
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}
	return sess, event, ok, nil
}

// AppendEvent bumps the thread's sequence counter and inserts the event in
// one transaction. The upsert takes the session row lock, which serializes
// concurrent appends to the same thread until commit.
func (s *PostgresSessionStore) AppendEvent(
	ctx context.Context,
	threadID string,
	ev store.NewEvent,
) (*domain.Event, error) {
	var event *domain.Event
	now := s.now().UTC()

	err := retryTransient(ctx, func() error {
		return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			event, err = appendEventTx(ctx, tx, threadID, ev, now)
			return err
		})
	})
	if err != nil {
		return nil, store.NewStoreError("event", "append", "failed to append event", err)
	}
	return event, nil
}

// appendEventTx allocates the next sequence id and inserts the event.
func appendEventTx(
	ctx context.Context,
	tx *sql.Tx,
	threadID string,
	ev store.NewEvent,
	now time.Time,
) (*domain.Event, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sessions (thread_id, project_id, status, last_sequence, created_at, updated_at)
		VALUES ($1, '', 'running', 1, $2, $2)
		ON CONFLICT (thread_id) DO UPDATE
		SET last_sequence = sessions.last_sequence + 1, updated_at = EXCLUDED.updated_at
		RETURNING last_sequence`,
		threadID, now,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence: %w", MapError(err))
	}
	return insertEvent(ctx, tx, threadID, seq, ev, now)
}

// ListEvents returns the thread's events after afterSeq in ascending order.
func (s *PostgresSessionStore) ListEvents(
	ctx context.Context,
	threadID string,
	afterSeq int64,
	limit int,
) ([]*domain.Event, error) {
	q := psql.Select(eventColumns).From("events").
		Where(sq.Eq{"thread_id": threadID}).
		Where(sq.Gt{"sequence_id": afterSeq}).
		OrderBy("sequence_id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build event query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	events := []*domain.Event{}
	for rows.Next() {
		var (
			ev      domain.Event
			payload string
		)
		if err := rows.Scan(&ev.ThreadID, &ev.SequenceID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// DeleteThread removes the thread's events and session atomically. The
// session row is locked first so no append can slip in between.
func (s *PostgresSessionStore) DeleteThread(ctx context.Context, threadID string) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, threadID, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE thread_id = $1`, threadID); err != nil {
			return fmt.Errorf("failed to delete events: %w", MapError(err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = $1`, threadID); err != nil {
			return fmt.Errorf("failed to delete session: %w", MapError(err))
		}
		return nil
	})
}

func getSession(ctx context.Context, db store.DBTX, threadID string, forUpdate bool) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE thread_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sess, err := scanSession(db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", MapError(err))
	}
	return sess, nil
}

func insertEvent(
	ctx context.Context,
	tx *sql.Tx,
	threadID string,
	seq int64,
	ev store.NewEvent,
	now time.Time,
) (*domain.Event, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (thread_id, sequence_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		threadID, seq, ev.Type, string(payload), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", MapError(err))
	}
	return &domain.Event{
		ThreadID:   threadID,
		SequenceID: seq,
		Type:       ev.Type,
		Payload:    payload,
		CreatedAt:  now,
	}, nil
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess   domain.Session
		status string
	)
	err := row.Scan(&sess.ThreadID, &sess.ProjectID, &status, &sess.LastSequence, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}
