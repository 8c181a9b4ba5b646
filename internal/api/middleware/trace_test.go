package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
)

func TestTraceMiddleware(t *testing.T) {
	var gotTrace string
	var gotLogger *slog.Logger
	handler := NewTraceMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotTrace = shared.GetTraceID(r.Context())
			gotLogger = logger.FromContext(r.Context())
			w.WriteHeader(http.StatusTeapot)
		}))

	t.Run("generates a trace id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, gotTrace)
		assert.Equal(t, gotTrace, w.Header().Get(shared.TraceIDHeader))
		assert.NotSame(t, slog.Default(), gotLogger)
		assert.Equal(t, http.StatusTeapot, w.Code)
	})

	t.Run("reuses the caller's trace id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(shared.TraceIDHeader, "abc-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "abc-123", gotTrace)
		assert.Equal(t, "abc-123", w.Header().Get(shared.TraceIDHeader))
	})

	t.Run("ignores oversized trace ids", func(t *testing.T) {
		long := strings.Repeat("x", MaxTraceIDLength+1)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(shared.TraceIDHeader, long)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.NotEqual(t, long, gotTrace)
		assert.NotEmpty(t, gotTrace)
	})
}
