package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when input fails validation.
	// It is usually wrapped by a ValidationError carrying field details.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownTaskType is returned when a task type is not one of the known types.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrStaleLease is returned when a worker acts on a task whose lease it no
	// longer holds. It is advisory: the task has moved on without this worker.
	ErrStaleLease = errors.New("task lease no longer held")

	// ErrSessionBusy is returned when starting a session that is still running
	// or stopping.
	ErrSessionBusy = errors.New("session is already active")

	// ErrStepLimit is returned by the session runner when an agent exceeds the
	// configured number of steps without finishing.
	ErrStepLimit = errors.New("step limit exceeded")
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports every invalid field of a request. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ProviderError is a failure reported by an external generation provider.
// Retryable errors release the task back to pending while attempts remain.
type ProviderError struct {
	Provider  string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}
