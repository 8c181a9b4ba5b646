package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/phrazzld/storyboard-api/internal/provider"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db       *sql.DB
	store    *sqlite.TaskStore
	lease    *LeaseManager
	registry *provider.Registry
	sync     *provider.MockSync
	async    *provider.MockAsync
}

// newFixture builds a task engine over a temp SQLite database. A nil clock
// uses wall time.
func newFixture(t *testing.T, cfg LeaseConfig, clock *testdb.Clock) *fixture {
	t.Helper()

	db := testdb.SQLite(t)
	var opts []sqlite.Option
	if clock != nil {
		opts = append(opts, sqlite.WithClock(clock.Now))
	}
	s := sqlite.NewTaskStore(db, opts...)

	lease, err := NewLeaseManager(s, cfg, nil, discardLogger())
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		store:    s,
		lease:    lease,
		registry: provider.NewRegistry(),
		sync:     &provider.MockSync{},
		async:    &provider.MockAsync{},
	}
	for _, tt := range []domain.TaskType{
		domain.TaskTypeImageGen, domain.TaskTypeAudioGen,
		domain.TaskTypeImageDesc, domain.TaskTypeVideoDesc,
	} {
		require.NoError(t, f.registry.Register(tt, f.sync))
	}
	require.NoError(t, f.registry.Register(domain.TaskTypeVideoGen, f.async))
	require.NoError(t, f.registry.Register(domain.TaskTypeVideoRender, f.async))
	return f
}

func (f *fixture) create(t *testing.T, taskType domain.TaskType, params string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(taskType, json.RawMessage(params))
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), task))
	return task
}

func (f *fixture) createImage(t *testing.T) *domain.Task {
	return f.create(t, domain.TaskTypeImageGen, `{"prompt":"a lighthouse"}`)
}

func (f *fixture) createVideo(t *testing.T) *domain.Task {
	return f.create(t, domain.TaskTypeVideoGen, `{"image_r2_key":"frames/1.png","prompt":"slow zoom"}`)
}

func (f *fixture) get(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	got, err := f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	return got
}

// fastLease keeps runner tests quick while satisfying the heartbeat rule.
func fastLease() LeaseConfig {
	return LeaseConfig{Lease: 600 * time.Millisecond, HeartbeatInterval: 50 * time.Millisecond, MaxAttempts: 3}
}
