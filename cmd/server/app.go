package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/phrazzld/storyboard-api/internal/api"
	"github.com/phrazzld/storyboard-api/internal/config"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/platform/postgres"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/phrazzld/storyboard-api/internal/provider"
	"github.com/phrazzld/storyboard-api/internal/session"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/phrazzld/storyboard-api/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger   *slog.Logger
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *observability.Metrics

	// Stores (using interfaces for proper abstraction)
	taskStore    store.TaskStore
	sessionStore store.SessionStore
	eventStore   store.EventStore

	// Task handling
	providers   *provider.Registry
	taskService *task.Service
	lease       *task.LeaseManager
	correlator  *task.Correlator
	taskRunner  *task.Runner
	sweeper     *task.Sweeper

	// Sessions and their event logs
	broadcaster *events.Broadcaster
	eventLog    *events.Log
	sessions    *session.Controller

	// sessionRunner drives agents embedded in this process; out-of-process
	// step loops use the /session endpoints instead.
	sessionRunner *session.Runner
}

// newApplication creates a new application instance with all dependencies initialized.
// It accepts core dependencies like configuration, logger, and database connection that
// must be established before application initialization.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		db:       db,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = observability.NewMetrics(app.registry)

	switch cfg.Database.Driver {
	case driverPostgres:
		app.taskStore = postgres.NewPostgresTaskStore(db)
		sessions := postgres.NewPostgresSessionStore(db)
		app.sessionStore, app.eventStore = sessions, sessions
	case driverSQLite:
		app.taskStore = sqlite.NewTaskStore(db)
		sessions := sqlite.NewSessionStore(db)
		app.sessionStore, app.eventStore = sessions, sessions
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	var err error
	app.providers, err = provider.NewRegistryFromConfig(ctx, cfg.Providers, logger.With("component", "providers"))
	if err != nil {
		return nil, fmt.Errorf("failed to set up providers: %w", err)
	}

	leaseCfg := task.LeaseConfig{
		Lease:             cfg.Task.LeaseDuration,
		HeartbeatInterval: cfg.Task.HeartbeatInterval,
		MaxAttempts:       cfg.Task.MaxAttempts,
	}
	app.lease, err = task.NewLeaseManager(app.taskStore, leaseCfg, app.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease manager: %w", err)
	}
	app.taskService = task.NewService(app.taskStore, app.metrics, logger)
	app.correlator = task.NewCorrelator(app.taskStore, app.providers, leaseCfg, app.metrics, logger)

	workerPrefix, err := os.Hostname()
	if err != nil || workerPrefix == "" {
		workerPrefix = "worker"
	}
	app.taskRunner = task.NewRunner(app.lease, app.providers, task.RunnerConfig{
		WorkerCount:  cfg.Task.WorkerCount,
		PollInterval: cfg.Task.PollInterval,
		WorkerPrefix: workerPrefix,
	}, app.metrics, logger)

	app.sweeper, err = task.NewSweeper(app.lease, app.correlator, cfg.Task.SweepSchedule, cfg.Task.PollConcurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	// Appends wake live streams in this process.
	emitter := events.NewEmitter(logger)
	app.broadcaster = events.NewBroadcaster()
	emitter.RegisterHandler(app.broadcaster)
	app.eventLog = events.NewLog(app.eventStore, emitter, app.metrics, logger)

	app.sessions, err = session.NewController(app.sessionStore, app.eventLog, session.CacheConfig{
		Size: cfg.Session.HistoryCacheSize,
		TTL:  cfg.Session.HistoryCacheTTL,
	}, app.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session controller: %w", err)
	}
	app.sessionRunner = session.NewRunner(app.sessions, app.eventLog, cfg.Session.MaxSteps, logger)

	logger.Info("application initialized successfully")
	return app, nil
}

// setupRouter creates the HTTP handler serving every API route.
func (app *application) setupRouter() http.Handler {
	return api.NewRouter(api.RouterDeps{
		Tasks:    api.NewTaskHandler(app.taskService, app.lease, app.correlator),
		Sessions: api.NewSessionHandler(app.sessions, app.eventLog),
		Stream:   api.NewStreamHandler(app.eventLog, app.broadcaster, app.config.Session.StreamPollInterval),
		Gatherer: app.registry,
		Logger:   app.logger,
	})
}

// Serve runs the HTTP server, and the task workers and sweeper when they
// are embedded, until ctx is cancelled or one of them fails.
func (app *application) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.startHTTPServer(gctx, app.setupRouter())
	})
	if app.config.Task.EmbeddedWorkers {
		app.startBackground(gctx, g)
	}
	return g.Wait()
}

// Work runs the task workers and the sweeper until ctx is cancelled.
func (app *application) Work(ctx context.Context) error {
	if app.config.Task.WorkerCount == 0 {
		return fmt.Errorf("task.worker_count must be at least 1 to run workers")
	}
	g, gctx := errgroup.WithContext(ctx)
	app.startBackground(gctx, g)
	return g.Wait()
}

func (app *application) startBackground(ctx context.Context, g *errgroup.Group) {
	if app.config.Task.WorkerCount > 0 {
		g.Go(func() error { return app.taskRunner.Run(ctx) })
	}
	g.Go(func() error { return app.sweeper.Run(ctx) })
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
