package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (sqlmock.Sqlmock, *PostgresTaskStore, *PostgresSessionStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := WithClock(func() time.Time { return now })
	return mock, NewPostgresTaskStore(db, clock), NewPostgresSessionStore(db, clock)
}

func claimedRow(id uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "type", "status", "params", "result", "error", "external_task_id",
		"worker_id", "lease_expires_at", "attempt_count", "created_at", "updated_at",
	}).AddRow(
		id.String(), "describe", "processing", `{"prompt":"p"}`, nil, nil, nil,
		"w1", now.Add(time.Minute), 1, now, now,
	)
}

func TestClaimRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("serialization failure then success", func(t *testing.T) {
		mock, tasks, _ := newMock(t)
		id := uuid.New()
		now := time.Now().UTC()

		mock.ExpectQuery("UPDATE tasks").
			WillReturnError(&pgconn.PgError{Code: serializationFailureCode})
		mock.ExpectQuery("UPDATE tasks").WillReturnRows(claimedRow(id, now))

		task, err := tasks.Claim(ctx, "w1", time.Minute, 3)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, id, task.ID)
		assert.Equal(t, domain.TaskStatusProcessing, task.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after the attempt limit", func(t *testing.T) {
		mock, tasks, _ := newMock(t)
		for i := 0; i < transientAttempts; i++ {
			mock.ExpectQuery("UPDATE tasks").
				WillReturnError(&pgconn.PgError{Code: lockNotAvailableCode})
		}

		_, err := tasks.Claim(ctx, "w1", time.Minute, 3)
		require.Error(t, err)
		assert.True(t, IsTransient(err))

		var storeErr *store.StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "task", storeErr.Entity)
		assert.Equal(t, "claim", storeErr.Operation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		mock, tasks, _ := newMock(t)
		mock.ExpectQuery("UPDATE tasks").
			WillReturnError(&pgconn.PgError{Code: checkViolationCode, ConstraintName: "tasks_status_check"})

		_, err := tasks.Claim(ctx, "w1", time.Minute, 3)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing eligible", func(t *testing.T) {
		mock, tasks, _ := newMock(t)
		mock.ExpectQuery("UPDATE tasks").WillReturnRows(sqlmock.NewRows([]string{"id"}))

		task, err := tasks.Claim(ctx, "w1", time.Minute, 3)
		require.NoError(t, err)
		assert.Nil(t, task)
	})
}

func TestAppendEventRetriesWholeTransaction(t *testing.T) {
	ctx := context.Background()
	mock, _, sessions := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: serializationFailureCode})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sessions").
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(4))
	mock.ExpectExec("INSERT INTO events").
		WithArgs("t1", int64(4), "text", `{"text":"hi"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev, err := sessions.AppendEvent(ctx, "t1", store.NewEvent{Type: "text", Payload: []byte(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.SequenceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventWrapsFailures(t *testing.T) {
	mock, _, sessions := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sessions").WillReturnError(boom)
	mock.ExpectRollback()

	_, err := sessions.AppendEvent(context.Background(), "t1", store.NewEvent{Type: "text"})
	assert.ErrorIs(t, err, boom)

	var storeErr *store.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "append", storeErr.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteThreadIsAllOrNothing(t *testing.T) {
	mock, _, sessions := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE thread_id = \\$1 FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"thread_id", "project_id", "status", "last_sequence", "created_at", "updated_at",
		}).AddRow("t1", "p1", "completed", 3, now, now))
	mock.ExpectExec("DELETE FROM events").WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM sessions").WithArgs("t1").
		WillReturnError(errors.New("canceling statement due to statement timeout"))
	mock.ExpectRollback()

	err := sessions.DeleteThread(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete session")
	// The event delete is rolled back with the failed session delete; no
	// commit is ever issued.
	assert.NoError(t, mock.ExpectationsWereMet())
}
