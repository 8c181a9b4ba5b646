package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// PostgreSQL error codes
const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	notNullViolationCode    = "23502"
	// serializationFailureCode and lockNotAvailableCode are transient; the
	// caller may retry the statement.
	serializationFailureCode = "40001"
	lockNotAvailableCode     = "55P03"
)

// MapError maps a database error to an appropriate store error.
// It wraps the original error to preserve context.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		case foreignKeyViolationCode:
			return fmt.Errorf(
				"%w: foreign key violation (%s): %v",
				store.ErrInvalidEntity,
				pgErr.ConstraintName,
				err,
			)
		case checkViolationCode:
			return fmt.Errorf(
				"%w: check constraint violation (%s): %v",
				store.ErrInvalidEntity,
				pgErr.ConstraintName,
				err,
			)
		case notNullViolationCode:
			return fmt.Errorf(
				"%w: not null violation (%s): %v",
				store.ErrInvalidEntity,
				pgErr.ColumnName,
				err,
			)
		}
	}

	return err
}

// IsTransient reports whether err is a serialization or lock failure that
// can succeed on retry.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailureCode || pgErr.Code == lockNotAvailableCode
}

// transientAttempts bounds retries of statements that hit IsTransient.
const transientAttempts = 3

// retryTransient runs fn until it succeeds, fails with a non-transient
// error, or transientAttempts is reached.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		logger.FromContext(ctx).DebugContext(ctx, "retrying after transient database error",
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return err
}
