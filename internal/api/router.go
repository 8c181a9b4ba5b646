package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/storyboard-api/internal/api/middleware"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps holds everything the router serves.
type RouterDeps struct {
	Tasks    *TaskHandler
	Sessions *SessionHandler
	Stream   *StreamHandler
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(deps.Logger))

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", deps.Tasks.List)
		r.Post("/submit", deps.Tasks.Submit)
		r.Get("/{task_id}", deps.Tasks.Get)
		r.Post("/{task_id}/heartbeat", deps.Tasks.Heartbeat)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/project/{project_id}/list", deps.Sessions.ListByProject)

		r.Route("/{thread_id}", func(r chi.Router) {
			r.Delete("/", deps.Sessions.Delete)
			r.Get("/status", deps.Sessions.Status)
			r.Post("/interrupt", deps.Sessions.Interrupt)
			r.Get("/history", deps.Sessions.History)
			r.Post("/start", deps.Sessions.Start)
			r.Post("/events", deps.Sessions.AppendEvent)
			r.Post("/checkpoint", deps.Sessions.Checkpoint)
			r.Post("/finish", deps.Sessions.Finish)
			r.Get("/stream", deps.Stream.Stream)
		})
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", observability.Handler(deps.Gatherer))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			deps.Logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
