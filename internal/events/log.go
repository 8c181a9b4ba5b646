package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/observability"
	"github.com/phrazzld/storyboard-api/internal/store"
)

// MaxEventTypeLength bounds the free-form event type tag.
const MaxEventTypeLength = 64

// Log appends to and reads from the per-thread event log.
type Log struct {
	store   store.EventStore
	emitter *Emitter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewLog creates a Log over s. emitter and metrics may be nil.
func NewLog(s store.EventStore, emitter *Emitter, metrics *observability.Metrics, logger *slog.Logger) *Log {
	return &Log{
		store:   s,
		emitter: emitter,
		metrics: metrics,
		logger:  logger.With("component", "event_log"),
	}
}

// reservedTypes are written only by session transitions.
var reservedTypes = map[string]bool{
	domain.EventRunStart:           true,
	domain.EventInterruptRequested: true,
	domain.EventEnd:                true,
}

// Append records an event on threadID and returns it with its sequence id.
// payload may be a json.RawMessage, nil, or any value that marshals to a
// JSON object.
func (l *Log) Append(ctx context.Context, threadID, eventType string, payload any) (*domain.Event, error) {
	eventType, err := normalizeEventType(threadID, eventType)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, threadID, eventType, payload)
}

// AppendClient is Append for events supplied by API clients. Run markers
// (run_start, interrupt_requested, end) are rejected.
func (l *Log) AppendClient(ctx context.Context, threadID, eventType string, payload any) (*domain.Event, error) {
	eventType, err := normalizeEventType(threadID, eventType)
	if err != nil {
		return nil, err
	}
	if reservedTypes[eventType] {
		return nil, domain.NewValidationError("event_type", "is reserved")
	}
	return l.append(ctx, threadID, eventType, payload)
}

func normalizeEventType(threadID, eventType string) (string, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return "", err
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return "", domain.NewValidationError("event_type", "is required")
	}
	if len(eventType) > MaxEventTypeLength {
		return "", domain.NewValidationError("event_type", fmt.Sprintf("must be at most %d characters", MaxEventTypeLength))
	}
	return eventType, nil
}

func (l *Log) append(ctx context.Context, threadID, eventType string, payload any) (*domain.Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	event, err := l.store.AppendEvent(ctx, threadID, store.NewEvent{Type: eventType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	l.Published(ctx, event)
	return event, nil
}

// Published announces an event that was persisted outside Append, such as a
// marker written together with a session transition.
func (l *Log) Published(ctx context.Context, event *domain.Event) {
	if event == nil {
		return
	}
	l.metrics.EventAppended(event.Type)
	l.logger.DebugContext(ctx, "event appended",
		"thread_id", event.ThreadID,
		"sequence_id", event.SequenceID,
		"event_type", event.Type)
	if l.emitter != nil {
		// Handlers are advisory; the event is already durable.
		_ = l.emitter.Emit(ctx, event)
	}
}

// List returns every event of threadID in ascending sequence order. An
// unknown thread has no events.
func (l *Log) List(ctx context.Context, threadID string) ([]*domain.Event, error) {
	return l.ListAfter(ctx, threadID, 0, 0)
}

// ListAfter returns up to limit events with sequence id above afterSeq.
// limit <= 0 means no limit.
func (l *Log) ListAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		return nil, domain.NewValidationError("after", "must not be negative")
	}
	events, err := l.store.ListEvents(ctx, threadID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// Delete removes the thread's events and session together. Nothing is
// removed when it fails.
func (l *Log) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := l.store.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	l.logger.InfoContext(ctx, "thread deleted", "thread_id", threadID)
	return nil
}

// MaxThreadIDLength bounds thread ids accepted from clients.
const MaxThreadIDLength = 128

// ValidateThreadID reports whether threadID is acceptable as a thread key.
func ValidateThreadID(threadID string) error {
	switch {
	case strings.TrimSpace(threadID) == "":
		return domain.NewValidationError("thread_id", "is required")
	case len(threadID) > MaxThreadIDLength:
		return domain.NewValidationError("thread_id", fmt.Sprintf("must be at most %d characters", MaxThreadIDLength))
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, domain.NewValidationError("payload", "must be JSON encodable: "+err.Error())
		}
		raw = b
	}
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, domain.NewValidationError("payload", "must be valid JSON")
	}
	return raw, nil
}
