package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		msg  string
	}{
		{"validation", domain.NewValidationError("params", "is required"), http.StatusBadRequest, "Invalid request"},
		{"unknown type", fmt.Errorf("lookup: %w", domain.ErrUnknownTaskType), http.StatusBadRequest, "Unknown task type"},
		{"task not found", fmt.Errorf("get: %w", store.ErrTaskNotFound), http.StatusNotFound, "Task not found"},
		{"session not found", store.ErrSessionNotFound, http.StatusNotFound, "Session not found"},
		{"busy", domain.ErrSessionBusy, http.StatusConflict, "Session is already running"},
		{"stale lease", domain.ErrStaleLease, http.StatusConflict, "Task lease is no longer held"},
		{"duplicate", store.ErrDuplicate, http.StatusConflict, "Resource already exists"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "The request timed out"},
		{"provider", &domain.ProviderError{Provider: "gemini", Message: "quota"}, http.StatusBadGateway, "Upstream provider error"},
		{"unknown", errors.New("connection refused at 10.0.0.3"), http.StatusInternalServerError, "An unexpected error occurred"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapErrorToStatusCode(tc.err))
			assert.Equal(t, tc.msg, GetSafeErrorMessage(tc.err))
		})
	}
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))
}

func TestHandleAPIError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks/x", nil)
	req = req.WithContext(shared.WithTraceID(req.Context(), "trace-1"))

	t.Run("fallback replaces the generic message", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleAPIError(w, req, errors.New("secret internal detail"), "Failed to load task")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var body shared.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "Failed to load task", body.Error)
		assert.Equal(t, "trace-1", body.TraceID)
		assert.NotContains(t, w.Body.String(), "secret")
	})

	t.Run("mapped errors keep their message", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleAPIError(w, req, store.ErrTaskNotFound, "Failed to load task")

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Task not found")
	})
}
