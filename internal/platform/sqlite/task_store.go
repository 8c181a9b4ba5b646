package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const taskColumns = `id, type, status, params, result, error, external_task_id,
	worker_id, lease_expires_at, attempt_count, created_at, updated_at`

// releasedLease clears lease ownership and correlation on a transition out
// of processing.
const releasedLease = `worker_id = NULL, lease_expires_at = NULL, external_task_id = NULL`

// TaskStore implements store.TaskStore on SQLite.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore over db.
func NewTaskStore(db *sql.DB, opts ...Option) *TaskStore {
	o := buildOptions(opts)
	return &TaskStore{db: db, now: o.now}
}

// Create inserts a pending task.
func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, status, params, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(),
		string(task.Type),
		string(task.Status),
		string(task.Params),
		task.AttemptCount,
		toNanos(task.CreatedAt),
		toNanos(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", MapError(err))
	}
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// List returns tasks matching filter, newest first.
func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	q := sq.Select(taskColumns).From("tasks").
		OrderBy("created_at DESC", "id").
		Limit(uint64(store.EffectiveLimit(filter.Limit)))
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Type != "" {
		q = q.Where(sq.Eq{"type": string(filter.Type)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build task query: %w", err)
	}
	return s.queryTasks(ctx, query, args...)
}

// Claim takes the oldest eligible task. The subquery and update run as one
// statement under SQLite's write lock, so concurrent callers never receive
// the same task.
func (s *TaskStore) Claim(
	ctx context.Context,
	workerID string,
	lease time.Duration,
	maxAttempts int,
) (*domain.Task, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'processing',
			worker_id = ?,
			lease_expires_at = ?,
			attempt_count = attempt_count + 1,
			external_task_id = NULL,
			updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
				OR (status = 'processing' AND lease_expires_at < ? AND attempt_count < ?)
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING `+taskColumns,
		workerID,
		toNanos(now.Add(lease)),
		toNanos(now),
		toNanos(now),
		maxAttempts,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewStoreError("task", "claim", "failed to claim task", MapError(err))
	}
	return task, nil
}

// Heartbeat extends the lease held by workerID to now+lease, or one tick past
// the current expiry if that is later.
func (s *TaskStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = MAX(?, lease_expires_at + 1), updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		toNanos(now.Add(lease)), toNanos(now), id.String(), workerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return affected(res)
}

// Complete marks the task completed on behalf of the lease holder.
func (s *TaskStore) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'completed', result = ?, error = NULL, `+releasedLease+`, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		nullableJSON(result), toNanos(s.now()), id.String(), workerID,
	)
}

// Fail marks the task failed on behalf of the lease holder.
func (s *TaskStore) Fail(ctx context.Context, id uuid.UUID, workerID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'failed', error = ?, `+releasedLease+`, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		msg, toNanos(s.now()), id.String(), workerID,
	)
}

// Release returns the task to pending on behalf of the lease holder.
func (s *TaskStore) Release(ctx context.Context, id uuid.UUID, workerID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'pending', error = ?, `+releasedLease+`, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		msg, toNanos(s.now()), id.String(), workerID,
	)
}

// AttachExternal stores the provider job id on the lease holder's task.
func (s *TaskStore) AttachExternal(ctx context.Context, id uuid.UUID, workerID string, externalID string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET external_task_id = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 'processing'`,
		externalID, toNanos(s.now()), id.String(), workerID,
	)
}

// HeartbeatExternal renews the lease of a task still waiting on externalID.
func (s *TaskStore) HeartbeatExternal(
	ctx context.Context,
	id uuid.UUID,
	externalID string,
	lease time.Duration,
) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = MAX(?, lease_expires_at + 1), updated_at = ?
		WHERE id = ? AND status = 'processing' AND external_task_id = ?`,
		toNanos(now.Add(lease)), toNanos(now), id.String(), externalID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend external lease: %w", err)
	}
	return affected(res)
}

// CompleteExternal completes a task still waiting on externalID.
func (s *TaskStore) CompleteExternal(ctx context.Context, id uuid.UUID, externalID string, result json.RawMessage) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'completed', result = ?, error = NULL, `+releasedLease+`, updated_at = ?
		WHERE id = ? AND status = 'processing' AND external_task_id = ?`,
		nullableJSON(result), toNanos(s.now()), id.String(), externalID,
	)
}

// FailExternal fails a task still waiting on externalID.
func (s *TaskStore) FailExternal(ctx context.Context, id uuid.UUID, externalID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'failed', error = ?, `+releasedLease+`, updated_at = ?
		WHERE id = ? AND status = 'processing' AND external_task_id = ?`,
		msg, toNanos(s.now()), id.String(), externalID,
	)
}

// ListAwaitingExternal returns processing tasks with an external id, least
// recently touched first.
func (s *TaskStore) ListAwaitingExternal(ctx context.Context, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'processing' AND external_task_id IS NOT NULL
		ORDER BY updated_at, id
		LIMIT ?`, store.EffectiveLimit(limit))
}

// ReclaimExpired fails expired tasks that used their last attempt and
// requeues the rest.
func (s *TaskStore) ReclaimExpired(ctx context.Context, maxAttempts int) (store.ReclaimStats, error) {
	var stats store.ReclaimStats
	now := toNanos(s.now())

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', error = ?, `+releasedLease+`, updated_at = ?
			WHERE status = 'processing' AND lease_expires_at < ? AND attempt_count >= ?`,
			domain.LeaseExpiredMessage, now, now, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("failed to fail exhausted tasks: %w", err)
		}
		if stats.Failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', `+releasedLease+`, updated_at = ?
			WHERE status = 'processing' AND lease_expires_at < ? AND attempt_count < ?`,
			now, now, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("failed to requeue expired tasks: %w", err)
		}
		stats.Requeued, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return store.ReclaimStats{}, err
	}
	return stats, nil
}

// leaseTransition runs a conditional update and resolves a miss into
// domain.ErrStaleLease or store.ErrTaskNotFound.
func (s *TaskStore) leaseTransition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", MapError(err))
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	return domain.ErrStaleLease
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task                 domain.Task
		id, taskType, status string
		params               string
		result, errMsg       sql.NullString
		externalID, workerID sql.NullString
		leaseExpiresAt       sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&id, &taskType, &status, &params, &result, &errMsg, &externalID,
		&workerID, &leaseExpiresAt, &task.AttemptCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if task.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid task id %q: %w", id, err)
	}
	task.Type = domain.TaskType(taskType)
	task.Status = domain.TaskStatus(status)
	task.Params = json.RawMessage(params)
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.Error = errMsg.String
	task.ExternalTaskID = externalID.String
	task.WorkerID = workerID.String
	if leaseExpiresAt.Valid {
		t := fromNanos(leaseExpiresAt.Int64)
		task.LeaseExpiresAt = &t
	}
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	return &task, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
