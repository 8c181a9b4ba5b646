package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
)

const (
	streamBatchSize    = 500
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 120 * time.Second
)

// StreamHandler tails a thread's event log over a websocket.
//
// Appends made by this process wake the stream immediately through the
// broadcaster. Appends made by other processes are picked up by polling
// every pollInterval.
type StreamHandler struct {
	log          *events.Log
	broadcaster  *events.Broadcaster
	pollInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(log *events.Log, broadcaster *events.Broadcaster, pollInterval time.Duration) *StreamHandler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &StreamHandler{
		log:          log,
		broadcaster:  broadcaster,
		pollInterval: pollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Stream handles GET /session/{thread_id}/stream requests. Events with a
// sequence id above the after query parameter are sent in order as JSON
// messages until the client disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	threadID, err := getPathThreadID(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	after, err := getQueryInt(r, "after", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	log := logger.FromContext(r.Context()).With("thread_id", threadID)

	// Subscribe before the first read so no append falls between them.
	wake, unsubscribe := h.broadcaster.Subscribe(threadID)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing; reading only detects the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	log.DebugContext(ctx, "stream opened",
		"after", after,
		"subscribers", h.broadcaster.Subscribers(threadID))
	for {
		next, err := h.flush(ctx, conn, threadID, after)
		if err != nil {
			if ctx.Err() == nil {
				log.WarnContext(ctx, "stream closed", "error", err)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream failed"),
					time.Now().Add(time.Second))
			}
			return
		}
		after = next

		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "stream closed by client", "after", after)
			return
		case <-wake:
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes every event after the given sequence id and returns the
// last sequence id written.
func (h *StreamHandler) flush(ctx context.Context, conn *websocket.Conn, threadID string, after int64) (int64, error) {
	for {
		batch, err := h.log.ListAfter(ctx, threadID, after, streamBatchSize)
		if err != nil {
			return after, err
		}
		for _, ev := range batch {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return after, err
			}
			after = ev.SequenceID
		}
		if len(batch) < streamBatchSize {
			return after, nil
		}
	}
}
