package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "no rows", err: sql.ErrNoRows, target: store.ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: uniqueViolationCode}, target: store.ErrDuplicate},
		{name: "check violation", err: &pgconn.PgError{Code: checkViolationCode, ConstraintName: "tasks_status_check"}, target: store.ErrInvalidEntity},
		{name: "not null violation", err: &pgconn.PgError{Code: notNullViolationCode, ColumnName: "params"}, target: store.ErrInvalidEntity},
		{name: "foreign key violation", err: &pgconn.PgError{Code: foreignKeyViolationCode}, target: store.ErrInvalidEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(tt.err)
			assert.ErrorIs(t, mapped, tt.target)
		})
	}

	assert.NoError(t, MapError(nil))

	plain := errors.New("connection refused")
	assert.Equal(t, plain, MapError(plain))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: serializationFailureCode}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: lockNotAvailableCode}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: uniqueViolationCode}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestRetryTransientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryTransient(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: serializationFailureCode}
	})
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, calls)
}
