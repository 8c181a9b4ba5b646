package testdb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/platform/postgres"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/stretchr/testify/require"
)

// IsIntegrationTestEnvironment returns true if the DATABASE_URL environment
// variable is set.
func IsIntegrationTestEnvironment() bool {
	return os.Getenv("DATABASE_URL") != ""
}

// SQLite opens a migrated SQLite database in a temp directory that is
// removed when the test ends.
func SQLite(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "storyboard.db")
	db, err := sqlite.Open(context.Background(), path, 4)
	require.NoError(t, err, "failed to open sqlite test database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Postgres opens the database at DATABASE_URL, applies migrations and
// empties the tables before and after the test. The test is skipped when
// DATABASE_URL is not set.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	if !IsIntegrationTestEnvironment() {
		t.Skip("DATABASE_URL not set - skipping integration test")
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, os.Getenv("DATABASE_URL"), postgres.PoolConfig{MaxOpenConns: 10})
	require.NoError(t, err, "failed to open postgres test database")

	_, err = postgres.Migrate(ctx, db)
	require.NoError(t, err, "failed to migrate postgres test database")

	truncate := func() {
		_, err := db.ExecContext(ctx, `TRUNCATE events, sessions, tasks`)
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		_ = db.Close()
	})
	return db
}
