package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/history"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewControllerValidatesCache(t *testing.T) {
	f := newFixture(t)
	_, err := NewController(f.store, f.log, CacheConfig{Size: 0, TTL: time.Second}, nil, f.controller.logger)
	assert.Error(t, err)
	_, err = NewController(f.store, f.log, CacheConfig{Size: 1}, nil, f.controller.logger)
	assert.Error(t, err)
}

func TestControllerStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.controller.Start(ctx, "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusRunning, sess.Status)
	assert.Equal(t, "p1", sess.ProjectID)

	_, err = f.controller.Start(ctx, "t1", "p1")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	_, err = f.controller.Finish(ctx, "t1", nil)
	require.NoError(t, err)

	sess, err = f.controller.Start(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusRunning, sess.Status)
	assert.Equal(t, "p1", sess.ProjectID, "resume keeps the project")

	status, err := f.controller.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusRunning, status.Status, "resume is visible immediately")

	var marker domain.RunStartPayload
	require.NoError(t, json.Unmarshal(f.lastEvent(t, "t1").Payload, &marker))
	assert.True(t, marker.Resumed)
	assert.Equal(t, []string{domain.EventRunStart, domain.EventEnd, domain.EventRunStart}, f.eventTypes(t, "t1"))

	_, err = f.controller.Start(ctx, "", "p1")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestControllerStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, err := f.controller.Status(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Exists: false}, status)

	_, err = f.controller.Start(ctx, "t1", "p1")
	require.NoError(t, err)
	status, err = f.controller.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Status: domain.SessionStatusRunning, Exists: true}, status)

	_, err = f.controller.Finish(ctx, "t1", nil)
	require.NoError(t, err)
	status, err = f.controller.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, status.Status)

	require.NoError(t, f.controller.Delete(ctx, "t1"))
	status, err = f.controller.Status(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, status.Exists)
}

func TestControllerInterruptLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.controller.Start(ctx, "t1", "p1")
	require.NoError(t, err)

	first, err := f.controller.RequestInterrupt(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, string(domain.SessionStatusCompleting), first.Status)

	second, err := f.controller.RequestInterrupt(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, string(domain.SessionStatusCompleting), second.Status)
	assert.Contains(t, second.Message, "already pending")

	cp, err := f.controller.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, CheckpointResult{Stop: true, Status: domain.SessionStatusInterrupted}, cp)

	status, err := f.controller.Status(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusInterrupted, status.Status)

	third, err := f.controller.RequestInterrupt(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, third.Success)
	assert.Equal(t, string(domain.SessionStatusInterrupted), third.Status)
	assert.Contains(t, third.Message, "already interrupted")

	assert.Equal(t, []string{
		domain.EventRunStart, domain.EventInterruptRequested, domain.EventEnd,
	}, f.eventTypes(t, "t1"))
	assert.Equal(t, domain.EndReasonInterrupted, endReason(t, f.lastEvent(t, "t1")).Reason)

	// Checkpoint after the run ended keeps telling the loop to stop.
	cp, err = f.controller.Checkpoint(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cp.Stop)
	assert.Len(t, f.eventTypes(t, "t1"), 3)
}

func TestControllerInterruptUnknownOrCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.controller.RequestInterrupt(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, InterruptResult{Status: StatusNotFound, Message: res.Message}, res)
	assert.NotEmpty(t, res.Message)

	_, err = f.controller.Start(ctx, "t1", "p1")
	require.NoError(t, err)
	_, err = f.controller.Finish(ctx, "t1", nil)
	require.NoError(t, err)

	res, err = f.controller.RequestInterrupt(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, string(domain.SessionStatusCompleted), res.Status)
	assert.Contains(t, res.Message, "already completed")
}

func TestControllerConcurrentInterrupts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.controller.Start(ctx, "t1", "p1")
	require.NoError(t, err)

	const callers = 10
	results := make([]InterruptResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.controller.RequestInterrupt(ctx, "t1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, res := range results {
		if res.Success {
			successes++
		}
		assert.Equal(t, string(domain.SessionStatusCompleting), res.Status)
	}
	assert.Equal(t, 1, successes)

	markers := 0
	for _, typ := range f.eventTypes(t, "t1") {
		if typ == domain.EventInterruptRequested {
			markers++
		}
	}
	assert.Equal(t, 1, markers)
}

func TestControllerFinish(t *testing.T) {
	ctx := context.Background()

	t.Run("natural completion", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Start(ctx, "t1", "p1")
		require.NoError(t, err)

		sess, err := f.controller.Finish(ctx, "t1", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
		assert.Equal(t, domain.EndReasonCompleted, endReason(t, f.lastEvent(t, "t1")).Reason)

		again, err := f.controller.Finish(ctx, "t1", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, again.Status)
		assert.Len(t, f.eventTypes(t, "t1"), 2, "finishing twice writes nothing")
	})

	t.Run("interrupt during the final step", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Start(ctx, "t1", "p1")
		require.NoError(t, err)
		_, err = f.controller.RequestInterrupt(ctx, "t1")
		require.NoError(t, err)

		sess, err := f.controller.Finish(ctx, "t1", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusInterrupted, sess.Status)
		assert.Equal(t, domain.EndReasonInterrupted, endReason(t, f.lastEvent(t, "t1")).Reason)
	})

	t.Run("step error", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Start(ctx, "t1", "p1")
		require.NoError(t, err)

		sess, err := f.controller.Finish(ctx, "t1", errors.New("model refused: api_key=sk-123456"))
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusCompleted, sess.Status)
		assert.Equal(t, []string{domain.EventRunStart, domain.EventError, domain.EventEnd}, f.eventTypes(t, "t1"))

		end := endReason(t, f.lastEvent(t, "t1"))
		assert.Equal(t, domain.EndReasonError, end.Reason)
		assert.Contains(t, end.Error, "model refused")
		assert.NotContains(t, end.Error, "sk-123456")
	})

	t.Run("step error on an unknown thread", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.controller.Finish(ctx, "ghost", errors.New("boom"))
		assert.ErrorIs(t, err, store.ErrSessionNotFound)

		status, err := f.controller.Status(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, status.Exists)
	})
}

func TestControllerListHistoryDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []string{"a", "b"} {
		_, err := f.controller.Start(ctx, id, "p1")
		require.NoError(t, err)
	}
	_, err := f.controller.Start(ctx, "c", "p2")
	require.NoError(t, err)

	list, err := f.controller.List(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = f.controller.List(ctx, "", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.log.Append(ctx, "a", domain.EventText, map[string]string{"text": "hi"})
	require.NoError(t, err)
	items, err := f.controller.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, history.KindMarker, items[0].Kind)
	assert.Equal(t, "hi", items[1].Text)

	require.NoError(t, f.controller.Delete(ctx, "a"))
	items, err = f.controller.History(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.ErrorIs(t, f.controller.Delete(ctx, "a"), store.ErrNotFound)
}

func TestControllerStatusAgreesAcrossControllers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other, err := NewController(f.store, f.log, CacheConfig{Size: 16, TTL: time.Minute}, nil, f.controller.logger)
	require.NoError(t, err)

	_, err = f.controller.Start(ctx, "t3", "p1")
	require.NoError(t, err)
	_, err = f.controller.Finish(ctx, "t3", nil)
	require.NoError(t, err)
	status, err := f.controller.Status(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, status.Status)

	_, err = other.Start(ctx, "t3", "p1")
	require.NoError(t, err)
	status, err = f.controller.Status(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusRunning, status.Status)

	_, err = other.Finish(ctx, "t3", nil)
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, "t3"))
	status, err = f.controller.Status(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Exists: false}, status)
}

func TestControllerHistoryRevalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other, err := NewController(f.store, f.log, CacheConfig{Size: 16, TTL: time.Minute}, nil, f.controller.logger)
	require.NoError(t, err)

	_, err = f.controller.Start(ctx, "t4", "p1")
	require.NoError(t, err)
	items, err := f.controller.History(ctx, "t4")
	require.NoError(t, err)
	require.Len(t, items, 1)

	cached, err := f.controller.History(ctx, "t4")
	require.NoError(t, err)
	assert.Same(t, items[0], cached[0], "unchanged thread is served from cache")

	_, err = f.log.Append(ctx, "t4", domain.EventText, map[string]string{"text": "more"})
	require.NoError(t, err)
	items, err = f.controller.History(ctx, "t4")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "more", items[1].Text)

	// Deleted and recreated elsewhere with the same sequence count.
	_, err = other.Finish(ctx, "t4", nil)
	require.NoError(t, err)
	require.NoError(t, other.Delete(ctx, "t4"))
	_, err = other.Start(ctx, "t4", "p2")
	require.NoError(t, err)
	_, err = f.log.Append(ctx, "t4", domain.EventText, map[string]string{"text": "fresh"})
	require.NoError(t, err)

	items, err = f.controller.History(ctx, "t4")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "fresh", items[1].Text)
}
