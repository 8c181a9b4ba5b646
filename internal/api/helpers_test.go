package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/phrazzld/storyboard-api/internal/provider"
	"github.com/phrazzld/storyboard-api/internal/session"
	"github.com/phrazzld/storyboard-api/internal/task"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// testFixture wires the full HTTP surface over a temp SQLite database.
type testFixture struct {
	router     http.Handler
	clock      *testdb.Clock
	lease      *task.LeaseManager
	runner     *task.Runner
	async      *provider.MockAsync
	log        *events.Log
	controller *session.Controller
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	db := testdb.SQLite(t)
	clock := testdb.NewClock(time.Now())
	taskStore := sqlite.NewTaskStore(db, sqlite.WithClock(clock.Now))
	sessionStore := sqlite.NewSessionStore(db)

	async := &provider.MockAsync{}
	registry := provider.NewRegistry()
	for _, tt := range domain.AllTaskTypes() {
		var p provider.Provider = &provider.MockSync{}
		if tt == domain.TaskTypeVideoGen || tt == domain.TaskTypeVideoRender {
			p = async
		}
		require.NoError(t, registry.Register(tt, p))
	}

	leaseCfg := task.LeaseConfig{Lease: 3 * time.Minute, HeartbeatInterval: 30 * time.Second, MaxAttempts: 3}
	lease, err := task.NewLeaseManager(taskStore, leaseCfg, metrics, logger)
	require.NoError(t, err)
	correlator := task.NewCorrelator(taskStore, registry, leaseCfg, metrics, logger)
	runner := task.NewRunner(lease, registry, task.RunnerConfig{WorkerCount: 1}, metrics, logger)

	emitter := events.NewEmitter(logger)
	broadcaster := events.NewBroadcaster()
	emitter.RegisterHandler(broadcaster)
	log := events.NewLog(sessionStore, emitter, metrics, logger)
	controller, err := session.NewController(sessionStore, log,
		session.CacheConfig{Size: 16, TTL: time.Minute}, metrics, logger)
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		Tasks:    NewTaskHandler(task.NewService(taskStore, metrics, logger), lease, correlator),
		Sessions: NewSessionHandler(controller, log),
		Stream:   NewStreamHandler(log, broadcaster, 50*time.Millisecond),
		Gatherer: reg,
		Logger:   logger,
	})

	return &testFixture{
		router:     router,
		clock:      clock,
		lease:      lease,
		runner:     runner,
		async:      async,
		log:        log,
		controller: controller,
	}
}

// do sends a request through the router and returns the recorder.
func (f *testFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// decode unmarshals the recorder body into a value of type T.
func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}
