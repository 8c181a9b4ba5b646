package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// Service accepts and reads generation tasks.
type Service struct {
	store   store.TaskStore
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a task service.
func NewService(s store.TaskStore, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   s,
		metrics: metrics,
		logger:  logger.With("component", "task_service"),
	}
}

// Submit validates the task type and parameters and stores a pending task.
// Invalid input yields a *domain.ValidationError.
func (s *Service) Submit(ctx context.Context, taskType string, params json.RawMessage) (*domain.Task, error) {
	tt, err := domain.ParseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	task, err := domain.NewTask(tt, params)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.metrics.TaskSubmitted(string(tt))
	s.logger.InfoContext(ctx, "task submitted", "task_id", task.ID, "task_type", tt)
	return task, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("status", "must be one of pending, processing, completed, failed")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.NewValidationError("task_type", "unknown task type")
	}
	return s.store.List(ctx, filter)
}
