package postgres

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
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// psql builds statements with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

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

const releasedLease = `worker_id = NULL, lease_expires_at = NULL, external_task_id = NULL`

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db *sql.DB, opts ...Option) *PostgresTaskStore {
	o := buildOptions(opts)
	return &PostgresTaskStore{db: db, now: o.now}
}

// Create persists a pending task.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, status, params, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID,
		string(task.Type),
		string(task.Status),
		string(task.Params),
		task.AttemptCount,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save task",
			"task_id", task.ID,
			"task_type", task.Type,
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}
	return nil
}

// Get retrieves a task by id.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}
	return task, nil
}

// List returns tasks matching filter, newest first.
func (s *PostgresTaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	q := psql.Select(taskColumns).From("tasks").
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

// Claim locks the oldest eligible row with FOR UPDATE SKIP LOCKED and takes
// it in the same statement, so concurrent workers skip each other's rows
// instead of blocking or double-claiming.
func (s *PostgresTaskStore) Claim(
	ctx context.Context,
	workerID string,
	lease time.Duration,
	maxAttempts int,
) (*domain.Task, error) {
	var task *domain.Task
	err := retryTransient(ctx, func() error {
		var err error
		task, err = s.claimOnce(ctx, workerID, lease, maxAttempts)
		return err
	})
	if err != nil {
		return nil, store.NewStoreError("task", "claim", "failed to claim task", MapError(err))
	}
	return task, nil
}

func (s *PostgresTaskStore) claimOnce(
	ctx context.Context,
	workerID string,
	lease time.Duration,
	maxAttempts int,
) (*domain.Task, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'processing',
			worker_id = $1,
			lease_expires_at = $2,
			attempt_count = attempt_count + 1,
			external_task_id = NULL,
			updated_at = $3
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
				OR (status = 'processing' AND lease_expires_at < $3 AND attempt_count < $4)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, now.Add(lease), now, maxAttempts,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// Heartbeat extends the lease to now+lease, or one microsecond past the
// current expiry if that is later, so the expiry strictly increases.
func (s *PostgresTaskStore) Heartbeat(
	ctx context.Context,
	id uuid.UUID,
	workerID string,
	lease time.Duration,
) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = GREATEST($1, lease_expires_at + INTERVAL '1 microsecond'),
			updated_at = $2
		WHERE id = $3 AND worker_id = $4 AND status = 'processing'`,
		now.Add(lease), now, id, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", MapError(err))
	}
	return affected(res)
}

// Complete marks the task completed on behalf of the lease holder.
func (s *PostgresTaskStore) Complete(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'completed', result = $1, error = NULL, `+releasedLease+`, updated_at = $2
		WHERE id = $3 AND worker_id = $4 AND status = 'processing'`,
		nullableJSON(result), s.now().UTC(), id, workerID,
	)
}

// Fail marks the task failed on behalf of the lease holder.
func (s *PostgresTaskStore) Fail(ctx context.Context, id uuid.UUID, workerID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'failed', error = $1, `+releasedLease+`, updated_at = $2
		WHERE id = $3 AND worker_id = $4 AND status = 'processing'`,
		msg, s.now().UTC(), id, workerID,
	)
}

// Release returns the task to pending on behalf of the lease holder.
func (s *PostgresTaskStore) Release(ctx context.Context, id uuid.UUID, workerID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'pending', error = $1, `+releasedLease+`, updated_at = $2
		WHERE id = $3 AND worker_id = $4 AND status = 'processing'`,
		msg, s.now().UTC(), id, workerID,
	)
}

// AttachExternal stores the provider job id on the lease holder's task.
func (s *PostgresTaskStore) AttachExternal(ctx context.Context, id uuid.UUID, workerID string, externalID string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET external_task_id = $1, updated_at = $2
		WHERE id = $3 AND worker_id = $4 AND status = 'processing'`,
		externalID, s.now().UTC(), id, workerID,
	)
}

// HeartbeatExternal renews the lease of a task still waiting on externalID.
func (s *PostgresTaskStore) HeartbeatExternal(
	ctx context.Context,
	id uuid.UUID,
	externalID string,
	lease time.Duration,
) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = GREATEST($1, lease_expires_at + INTERVAL '1 microsecond'),
			updated_at = $2
		WHERE id = $3 AND status = 'processing' AND external_task_id = $4`,
		now.Add(lease), now, id, externalID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend external lease: %w", MapError(err))
	}
	return affected(res)
}

// CompleteExternal completes a task still waiting on externalID.
func (s *PostgresTaskStore) CompleteExternal(
	ctx context.Context,
	id uuid.UUID,
	externalID string,
	result json.RawMessage,
) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'completed', result = $1, error = NULL, `+releasedLease+`, updated_at = $2
		WHERE id = $3 AND status = 'processing' AND external_task_id = $4`,
		nullableJSON(result), s.now().UTC(), id, externalID,
	)
}

// FailExternal fails a task still waiting on externalID.
func (s *PostgresTaskStore) FailExternal(ctx context.Context, id uuid.UUID, externalID string, msg string) error {
	return s.leaseTransition(ctx, id, `
		UPDATE tasks
		SET status = 'failed', error = $1, `+releasedLease+`, updated_at = $2
		WHERE id = $3 AND status = 'processing' AND external_task_id = $4`,
		msg, s.now().UTC(), id, externalID,
	)
}

// ListAwaitingExternal returns processing tasks with an external id, least
// recently touched first.
func (s *PostgresTaskStore) ListAwaitingExternal(ctx context.Context, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'processing' AND external_task_id IS NOT NULL
		ORDER BY updated_at, id
		LIMIT $1`, store.EffectiveLimit(limit))
}

// ReclaimExpired fails expired tasks that used their last attempt and
// requeues the rest.
func (s *PostgresTaskStore) ReclaimExpired(ctx context.Context, maxAttempts int) (store.ReclaimStats, error) {
	var stats store.ReclaimStats
	now := s.now().UTC()

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', error = $1, `+releasedLease+`, updated_at = $2
			WHERE status = 'processing' AND lease_expires_at < $2 AND attempt_count >= $3`,
			domain.LeaseExpiredMessage, now, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("failed to fail exhausted tasks: %w", MapError(err))
		}
		if stats.Failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', `+releasedLease+`, updated_at = $1
			WHERE status = 'processing' AND lease_expires_at < $1 AND attempt_count < $2`,
			now, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("failed to requeue expired tasks: %w", MapError(err))
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
func (s *PostgresTaskStore) leaseTransition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
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

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task: %w", MapError(err))
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return domain.ErrStaleLease
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
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
		taskType, status     string
		params               string
		result, errMsg       sql.NullString
		externalID, workerID sql.NullString
		leaseExpiresAt       sql.NullTime
	)
	err := row.Scan(
		&task.ID, &taskType, &status, &params, &result, &errMsg, &externalID,
		&workerID, &leaseExpiresAt, &task.AttemptCount, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
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
		t := leaseExpiresAt.Time.UTC()
		task.LeaseExpiresAt = &t
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
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
