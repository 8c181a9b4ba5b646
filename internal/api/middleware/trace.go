package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
)

// MaxTraceIDLength bounds caller-supplied trace ids.
const MaxTraceIDLength = 128

// NewTraceMiddleware returns middleware that gives every request a trace
// ID and a request-scoped logger carrying it. A trace ID sent in the
// X-Trace-Id header is reused; otherwise one is generated. The ID is echoed
// in the response header.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if incoming := r.Header.Get(shared.TraceIDHeader); incoming != "" && len(incoming) <= MaxTraceIDLength {
				ctx = shared.WithTraceID(ctx, incoming)
			} else {
				ctx = shared.SetTraceID(ctx)
			}
			traceID := shared.GetTraceID(ctx)
			w.Header().Set(shared.TraceIDHeader, traceID)

			log := base.With(
				slog.String("trace_id", traceID),
				slog.String("request_id", middleware.GetReqID(ctx)),
			)
			ctx = logger.WithLogger(ctx, log)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Debug("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
