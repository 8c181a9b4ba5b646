package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/events"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *sqlite.SessionStore
	log        *events.Log
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := sqlite.NewSessionStore(testdb.SQLite(t))
	log := events.NewLog(s, events.NewEmitter(logger), nil, logger)
	c, err := NewController(s, log, CacheConfig{Size: 16, TTL: time.Minute}, nil, logger)
	require.NoError(t, err)
	return &fixture{store: s, log: log, controller: c}
}

func (f *fixture) eventTypes(t *testing.T, threadID string) []string {
	t.Helper()
	evs, err := f.log.List(context.Background(), threadID)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func (f *fixture) lastEvent(t *testing.T, threadID string) *domain.Event {
	t.Helper()
	evs, err := f.log.List(context.Background(), threadID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

func endReason(t *testing.T, ev *domain.Event) domain.EndPayload {
	t.Helper()
	require.Equal(t, domain.EventEnd, ev.Type)
	var p domain.EndPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}
