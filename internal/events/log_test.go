package events_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) (*events.Log, *events.Broadcaster, store.SessionStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := sqlite.NewSessionStore(testdb.SQLite(t))
	b := events.NewBroadcaster()
	emitter := events.NewEmitter(logger)
	emitter.RegisterHandler(b)
	return events.NewLog(s, emitter, nil, logger), b, s
}

func TestLogAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns increasing sequence ids", func(t *testing.T) {
		log, _, sessions := newLog(t)

		first, err := log.Append(ctx, "t1", domain.EventText, map[string]string{"text": "a"})
		require.NoError(t, err)
		second, err := log.Append(ctx, "t1", domain.EventText, json.RawMessage(`{"text":"b"}`))
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.SequenceID)
		assert.Equal(t, int64(2), second.SequenceID)
		assert.JSONEq(t, `{"text":"a"}`, string(first.Payload))

		sess, err := sessions.GetSession(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusRunning, sess.Status)
	})

	t.Run("nil payload is stored as an empty object", func(t *testing.T) {
		log, _, _ := newLog(t)
		ev, err := log.Append(ctx, "t1", "custom", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(ev.Payload))
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		log, _, _ := newLog(t)
		tests := []struct {
			name     string
			threadID string
			typ      string
			payload  any
		}{
			{"empty thread", "", domain.EventText, nil},
			{"long thread", strings.Repeat("x", events.MaxThreadIDLength+1), domain.EventText, nil},
			{"empty type", "t1", "  ", nil},
			{"long type", "t1", strings.Repeat("x", events.MaxEventTypeLength+1), nil},
			{"invalid raw json", "t1", domain.EventText, json.RawMessage(`{"text":`)},
			{"unencodable payload", "t1", domain.EventText, map[string]any{"f": func() {}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := log.Append(ctx, tt.threadID, tt.typ, tt.payload)
				assert.ErrorIs(t, err, domain.ErrValidation)
			})
		}
	})

	t.Run("client appends cannot write run markers", func(t *testing.T) {
		log, _, _ := newLog(t)
		for _, typ := range []string{domain.EventEnd, " end", "end\n", "\trun_start", " interrupt_requested "} {
			_, err := log.AppendClient(ctx, "t1", typ, map[string]string{"reason": "interrupted"})
			assert.ErrorIs(t, err, domain.ErrValidation, "%q", typ)
		}
		evs, err := log.List(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, evs)

		ev, err := log.AppendClient(ctx, "t1", " tool_start ", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.EventToolStart, ev.Type)
	})

	t.Run("wakes subscribers of the thread", func(t *testing.T) {
		log, b, _ := newLog(t)
		wake, cancel := b.Subscribe("t1")
		defer cancel()

		_, err := log.Append(ctx, "t1", domain.EventText, nil)
		require.NoError(t, err)

		select {
		case <-wake:
		default:
			t.Fatal("append did not wake the subscriber")
		}
	})
}

func TestLogListAndDelete(t *testing.T) {
	ctx := context.Background()
	log, _, sessions := newLog(t)

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, "t1", domain.EventText, nil)
		require.NoError(t, err)
	}

	all, err := log.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.SequenceID)
	}

	tail, err := log.ListAfter(ctx, "t1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].SequenceID)

	_, err = log.ListAfter(ctx, "t1", -1, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	unknown, err := log.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, unknown)

	require.NoError(t, log.Delete(ctx, "t1"))
	after, err := log.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, after)
	_, err = sessions.GetSession(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	assert.ErrorIs(t, log.Delete(ctx, "t1"), store.ErrNotFound)
}
