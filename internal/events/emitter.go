package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// Handler is notified after an event has been persisted. Handlers must not
// block; the emitter calls them on the appending goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, event *domain.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *domain.Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *domain.Event) error {
	return f(ctx, event)
}

// Emitter stores registered handlers in memory and dispatches persisted
// events to them.
type Emitter struct {
	handlers []Handler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewEmitter creates an Emitter with no handlers.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		handlers: make([]Handler, 0),
		logger:   logger.With("component", "event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (e *Emitter) RegisterHandler(handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new event handler", "handler_count", len(e.handlers))
}

// Emit publishes the event to all registered handlers. Every handler sees
// the event even if an earlier one fails; the first error is returned.
func (e *Emitter) Emit(ctx context.Context, event *domain.Event) error {
	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"thread_id", event.ThreadID,
				"sequence_id", event.SequenceID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
