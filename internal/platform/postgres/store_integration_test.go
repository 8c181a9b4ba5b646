package postgres_test

import (
	"context"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/platform/postgres"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/phrazzld/storyboard-api/internal/store/storetest"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresTaskStore(t *testing.T) {
	storetest.RunTaskStore(t, func(t *testing.T, clock *testdb.Clock) store.TaskStore {
		return postgres.NewPostgresTaskStore(testdb.Postgres(t), postgres.WithClock(clock.Now))
	})
}

func TestPostgresSessionStore(t *testing.T) {
	storetest.RunSessionStore(t, func(t *testing.T, clock *testdb.Clock) (store.SessionStore, store.EventStore) {
		s := postgres.NewPostgresSessionStore(testdb.Postgres(t), postgres.WithClock(clock.Now))
		return s, s
	})
}

func TestMigrationStatus(t *testing.T) {
	db := testdb.Postgres(t)

	provider, err := postgres.NewMigrationProvider(db)
	require.NoError(t, err)

	statuses, err := provider.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, s := range statuses {
		assert.Equal(t, "applied", string(s.State))
	}
}
