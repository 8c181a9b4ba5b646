package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/phrazzld/storyboard-api/internal/api/shared"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrUnknownTaskType),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrStaleLease),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	default:
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return "Invalid request"
	case errors.Is(err, domain.ErrUnknownTaskType):
		return "Unknown task type"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrSessionNotFound):
		return "Session not found"
	case store.IsNotFoundError(err):
		return "Resource not found"
	case errors.Is(err, domain.ErrSessionBusy):
		return "Session is already running"
	case errors.Is(err, domain.ErrStaleLease):
		return "Task lease is no longer held"
	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out"
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return "Upstream provider error"
	}
	return "An unexpected error occurred"
}

// HandleAPIError writes the mapped status and safe message for err. A
// non-empty fallback replaces the generic message of unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
