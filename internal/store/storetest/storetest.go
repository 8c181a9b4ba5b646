// Package storetest holds the behavioral tests every store implementation
// must pass. Backends call RunTaskStore and RunSessionStore from their own
// test files so the conditional-update semantics stay identical.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/store"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lease = 3 * time.Minute

// TaskStoreFactory returns a fresh, empty task store driven by clock.
type TaskStoreFactory func(t *testing.T, clock *testdb.Clock) store.TaskStore

// SessionStoreFactory returns a fresh, empty session and event store driven
// by clock.
type SessionStoreFactory func(t *testing.T, clock *testdb.Clock) (store.SessionStore, store.EventStore)

func newVideoTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.TaskTypeVideoGen, json.RawMessage(`{"image_r2_key":"k1","prompt":"p"}`))
	require.NoError(t, err)
	return task
}

func createTasks(t *testing.T, s store.TaskStore, n int) []*domain.Task {
	t.Helper()
	tasks := make([]*domain.Task, 0, n)
	for i := 0; i < n; i++ {
		task := newVideoTask(t)
		// Distinct creation times keep claim order deterministic.
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.Create(context.Background(), task))
		tasks = append(tasks, task)
	}
	return tasks
}

// RunTaskStore exercises the store.TaskStore contract.
func RunTaskStore(t *testing.T, newStore TaskStoreFactory) {
	ctx := context.Background()

	t.Run("create get and list", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		created := createTasks(t, s, 2)

		got, err := s.Get(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, domain.TaskTypeVideoGen, got.Type)
		assert.JSONEq(t, string(created[0].Params), string(got.Params))
		assert.Empty(t, got.WorkerID)
		assert.Nil(t, got.LeaseExpiresAt)

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)

		pending, err := s.List(ctx, store.TaskFilter{Status: domain.TaskStatusPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		none, err := s.List(ctx, store.TaskFilter{Type: domain.TaskTypeAudioGen})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("claim returns nil when nothing is eligible", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("claim takes a lease", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		created := createTasks(t, s, 1)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		require.NotNil(t, task)

		assert.Equal(t, created[0].ID, task.ID)
		assert.Equal(t, domain.TaskStatusProcessing, task.Status)
		assert.Equal(t, "worker-a", task.WorkerID)
		assert.Equal(t, 1, task.AttemptCount)
		require.NotNil(t, task.LeaseExpiresAt)
		assert.WithinDuration(t, clock.Now().Add(lease), *task.LeaseExpiresAt, time.Microsecond)
		assert.Empty(t, task.ExternalTaskID)

		again, err := s.Claim(ctx, "worker-b", lease, 3)
		require.NoError(t, err)
		assert.Nil(t, again, "a task with a live lease must not be claimable")
	})

	t.Run("concurrent claims never share a task", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		const tasks, workers = 12, 8
		createTasks(t, s, tasks)

		var (
			mu      sync.Mutex
			claimed []uuid.UUID
			wg      sync.WaitGroup
			errs    = make(chan error, workers)
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				workerID := fmt.Sprintf("worker-%d", w)
				for {
					task, err := s.Claim(ctx, workerID, lease, 3)
					if err != nil {
						errs <- err
						return
					}
					if task == nil {
						return
					}
					mu.Lock()
					claimed = append(claimed, task.ID)
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.Len(t, claimed, tasks)
		seen := make(map[uuid.UUID]bool, tasks)
		for _, id := range claimed {
			assert.False(t, seen[id], "task %s claimed twice", id)
			seen[id] = true
		}
	})

	t.Run("concurrent claims on a single task", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		createTasks(t, s, 1)

		const workers = 10
		results := make(chan *domain.Task, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				task, err := s.Claim(ctx, fmt.Sprintf("worker-%d", w), lease, 3)
				assert.NoError(t, err)
				results <- task
			}(w)
		}
		wg.Wait()
		close(results)

		winners := 0
		for task := range results {
			if task != nil {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("heartbeat strictly extends the lease", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		createTasks(t, s, 1)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		previous := *task.LeaseExpiresAt

		// Same instant: the expiry still has to move forward.
		ok, err := s.Heartbeat(ctx, task.ID, "worker-a", lease)
		require.NoError(t, err)
		require.True(t, ok)
		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, got.LeaseExpiresAt.After(previous))
		previous = *got.LeaseExpiresAt

		clock.Advance(30 * time.Second)
		ok, err = s.Heartbeat(ctx, task.ID, "worker-a", lease)
		require.NoError(t, err)
		require.True(t, ok)
		got, err = s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, got.LeaseExpiresAt.After(previous))
		assert.WithinDuration(t, clock.Now().Add(lease), *got.LeaseExpiresAt, time.Microsecond)

		// A shorter lease never moves the expiry backwards.
		previous = *got.LeaseExpiresAt
		ok, err = s.Heartbeat(ctx, task.ID, "worker-a", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		got, err = s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, got.LeaseExpiresAt.After(previous))
	})

	t.Run("heartbeat without the lease does not mutate", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		createTasks(t, s, 1)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		before, err := s.Get(ctx, task.ID)
		require.NoError(t, err)

		ok, err := s.Heartbeat(ctx, task.ID, "worker-b", lease)
		require.NoError(t, err)
		assert.False(t, ok)

		after, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		ok, err = s.Heartbeat(ctx, uuid.New(), "worker-a", lease)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("complete and fail require the lease", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		createTasks(t, s, 2)

		first, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		second, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)

		err = s.Complete(ctx, first.ID, "worker-b", json.RawMessage(`{"url":"x"}`))
		assert.ErrorIs(t, err, domain.ErrStaleLease)

		require.NoError(t, s.Complete(ctx, first.ID, "worker-a", json.RawMessage(`{"url":"x"}`)))
		done, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, done.Status)
		assert.JSONEq(t, `{"url":"x"}`, string(done.Result))
		assert.Empty(t, done.WorkerID)
		assert.Nil(t, done.LeaseExpiresAt)

		// Terminal states are immutable.
		assert.ErrorIs(t, s.Complete(ctx, first.ID, "worker-a", nil), domain.ErrStaleLease)
		assert.ErrorIs(t, s.Fail(ctx, first.ID, "worker-a", "late"), domain.ErrStaleLease)

		require.NoError(t, s.Fail(ctx, second.ID, "worker-a", "provider rejected prompt"))
		failed, err := s.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, failed.Status)
		assert.Equal(t, "provider rejected prompt", failed.Error)

		assert.ErrorIs(t, s.Complete(ctx, uuid.New(), "worker-a", nil), store.ErrTaskNotFound)
	})

	t.Run("expired lease is reclaimed by the next claim", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		created := createTasks(t, s, 1)

		a, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		require.Equal(t, 1, a.AttemptCount)

		clock.Advance(lease + time.Second)

		b, err := s.Claim(ctx, "worker-b", lease, 3)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, created[0].ID, b.ID)
		assert.Equal(t, "worker-b", b.WorkerID)
		assert.Equal(t, a.AttemptCount+1, b.AttemptCount)

		ok, err := s.Heartbeat(ctx, a.ID, "worker-a", lease)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, s.Complete(ctx, a.ID, "worker-a", nil), domain.ErrStaleLease)
	})

	t.Run("attempt ceiling fails the task exactly once", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		created := createTasks(t, s, 1)
		const maxAttempts = 2

		for i := 0; i < maxAttempts; i++ {
			task, err := s.Claim(ctx, "worker-a", lease, maxAttempts)
			require.NoError(t, err)
			require.NotNil(t, task)
			clock.Advance(lease + time.Second)
		}

		task, err := s.Claim(ctx, "worker-b", lease, maxAttempts)
		require.NoError(t, err)
		assert.Nil(t, task, "exhausted task must not be claimable")

		stats, err := s.ReclaimExpired(ctx, maxAttempts)
		require.NoError(t, err)
		assert.Equal(t, store.ReclaimStats{Failed: 1}, stats)

		failed, err := s.Get(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, failed.Status)
		assert.Equal(t, domain.LeaseExpiredMessage, failed.Error)
		assert.Empty(t, failed.WorkerID)

		stats, err = s.ReclaimExpired(ctx, maxAttempts)
		require.NoError(t, err)
		assert.Equal(t, store.ReclaimStats{}, stats)
	})

	t.Run("reclaim requeues expired tasks with attempts left", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		createTasks(t, s, 2)

		expired, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		live, err := s.Claim(ctx, "worker-b", lease, 3)
		require.NoError(t, err)
		require.NotEqual(t, expired.ID, live.ID)
		clock.Advance(90 * time.Second)

		stats, err := s.ReclaimExpired(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, store.ReclaimStats{Requeued: 1}, stats)

		got, err := s.Get(ctx, expired.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Empty(t, got.WorkerID)
		assert.Nil(t, got.LeaseExpiresAt)
		assert.Equal(t, 1, got.AttemptCount)

		stillLive, err := s.Get(ctx, live.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusProcessing, stillLive.Status)
	})

	t.Run("release returns the task to pending", func(t *testing.T) {
		s := newStore(t, testdb.NewClock(time.Now()))
		createTasks(t, s, 1)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, task.ID, "worker-a", "upstream 503"))

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.Equal(t, "upstream 503", got.Error)

		again, err := s.Claim(ctx, "worker-b", lease, 3)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.AttemptCount)
	})

	t.Run("external correlation", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		createTasks(t, s, 2)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)

		assert.ErrorIs(t, s.AttachExternal(ctx, task.ID, "worker-b", "job-1"), domain.ErrStaleLease)
		require.NoError(t, s.AttachExternal(ctx, task.ID, "worker-a", "job-1"))

		awaiting, err := s.ListAwaitingExternal(ctx, 10)
		require.NoError(t, err)
		require.Len(t, awaiting, 1)
		assert.Equal(t, "job-1", awaiting[0].ExternalTaskID)

		ok, err := s.HeartbeatExternal(ctx, task.ID, "job-other", lease)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(time.Minute)
		ok, err = s.HeartbeatExternal(ctx, task.ID, "job-1", lease)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.CompleteExternal(ctx, task.ID, "job-1", json.RawMessage(`{"video_r2_key":"out.mp4"}`)))
		done, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, done.Status)
		assert.Empty(t, done.ExternalTaskID)

		// A duplicate poller arriving late is harmless.
		assert.ErrorIs(t, s.CompleteExternal(ctx, task.ID, "job-1", nil), domain.ErrStaleLease)
		assert.ErrorIs(t, s.FailExternal(ctx, task.ID, "job-1", "late"), domain.ErrStaleLease)

		other, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		require.NoError(t, s.AttachExternal(ctx, other.ID, "worker-a", "job-2"))
		require.NoError(t, s.FailExternal(ctx, other.ID, "job-2", "content policy"))
		failed, err := s.Get(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, failed.Status)
		assert.Equal(t, "content policy", failed.Error)
		assert.Empty(t, failed.ExternalTaskID)
	})

	t.Run("reclaim clears a stale external id", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		s := newStore(t, clock)
		createTasks(t, s, 1)

		task, err := s.Claim(ctx, "worker-a", lease, 3)
		require.NoError(t, err)
		require.NoError(t, s.AttachExternal(ctx, task.ID, "worker-a", "job-1"))
		clock.Advance(lease + time.Second)

		again, err := s.Claim(ctx, "worker-b", lease, 3)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Empty(t, again.ExternalTaskID)

		ok, err := s.HeartbeatExternal(ctx, task.ID, "job-1", lease)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// RunSessionStore exercises the store.SessionStore and store.EventStore
// contracts.
func RunSessionStore(t *testing.T, newStores SessionStoreFactory) {
	ctx := context.Background()
	marker := func(eventType string) *store.NewEvent {
		return &store.NewEvent{Type: eventType, Payload: json.RawMessage(`{}`)}
	}

	t.Run("first event creates a running session", func(t *testing.T) {
		sessions, events := newStores(t, testdb.NewClock(time.Now()))

		_, err := sessions.GetSession(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)

		for i := 1; i <= 3; i++ {
			ev, err := events.AppendEvent(ctx, "t1", store.NewEvent{Type: "text", Payload: json.RawMessage(`{"content":"x"}`)})
			require.NoError(t, err)
			assert.Equal(t, int64(i), ev.SequenceID)
		}

		sess, err := sessions.GetSession(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusRunning, sess.Status)
		assert.Equal(t, int64(3), sess.LastSequence)
	})

	t.Run("concurrent appends keep a gapless order", func(t *testing.T) {
		_, events := newStores(t, testdb.NewClock(time.Now()))
		const writers, perWriter = 6, 15

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					payload := json.RawMessage(fmt.Sprintf(`{"writer":%d,"n":%d}`, w, i))
					if _, err := events.AppendEvent(ctx, "busy", store.NewEvent{Type: "text", Payload: payload}); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		list, err := events.ListEvents(ctx, "busy", 0, 0)
		require.NoError(t, err)
		require.Len(t, list, writers*perWriter)
		for i, ev := range list {
			assert.Equal(t, int64(i+1), ev.SequenceID)
		}

		// Each writer's own events stay in emission order.
		last := make(map[float64]float64)
		for _, ev := range list {
			var p struct{ Writer, N float64 }
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			if prev, ok := last[p.Writer]; ok {
				assert.Greater(t, p.N, prev)
			}
			last[p.Writer] = p.N
		}
	})

	t.Run("list events after a sequence", func(t *testing.T) {
		_, events := newStores(t, testdb.NewClock(time.Now()))
		for i := 0; i < 5; i++ {
			_, err := events.AppendEvent(ctx, "t", store.NewEvent{Type: "text"})
			require.NoError(t, err)
		}

		tail, err := events.ListEvents(ctx, "t", 3, 0)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(4), tail[0].SequenceID)
		assert.JSONEq(t, `{}`, string(tail[0].Payload))

		page, err := events.ListEvents(ctx, "t", 0, 2)
		require.NoError(t, err)
		assert.Len(t, page, 2)

		empty, err := events.ListEvents(ctx, "unknown", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("start and resume", func(t *testing.T) {
		sessions, _ := newStores(t, testdb.NewClock(time.Now()))

		sess, resumed, err := sessions.StartSession(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.False(t, resumed)
		assert.Equal(t, domain.SessionStatusRunning, sess.Status)
		assert.Equal(t, "p1", sess.ProjectID)

		_, _, err = sessions.StartSession(ctx, "t1", "p1")
		assert.ErrorIs(t, err, domain.ErrSessionBusy)

		_, _, ok, err := sessions.TransitionSession(ctx, "t1",
			[]domain.SessionStatus{domain.SessionStatusRunning}, domain.SessionStatusCompleted, marker(domain.EventEnd))
		require.NoError(t, err)
		require.True(t, ok)

		sess, resumed, err = sessions.StartSession(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.True(t, resumed)
		assert.Equal(t, domain.SessionStatusRunning, sess.Status)
		assert.Equal(t, int64(1), sess.LastSequence)
	})

	t.Run("transitions are conditional", func(t *testing.T) {
		sessions, events := newStores(t, testdb.NewClock(time.Now()))
		_, _, err := sessions.StartSession(ctx, "t1", "p1")
		require.NoError(t, err)

		running := []domain.SessionStatus{domain.SessionStatusRunning}

		sess, ev, ok, err := sessions.TransitionSession(ctx, "t1", running,
			domain.SessionStatusCompleting, marker(domain.EventInterruptRequested))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.SessionStatusCompleting, sess.Status)
		require.NotNil(t, ev)
		assert.Equal(t, int64(1), ev.SequenceID)
		assert.Equal(t, domain.EventInterruptRequested, ev.Type)

		sess, ev, ok, err = sessions.TransitionSession(ctx, "t1", running,
			domain.SessionStatusCompleting, marker(domain.EventInterruptRequested))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, ev)
		assert.Equal(t, domain.SessionStatusCompleting, sess.Status)

		list, err := events.ListEvents(ctx, "t1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1, "a rejected transition must not append its marker")

		_, _, _, err = sessions.TransitionSession(ctx, "missing", running, domain.SessionStatusCompleting, nil)
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("concurrent interrupts succeed once", func(t *testing.T) {
		sessions, events := newStores(t, testdb.NewClock(time.Now()))
		_, _, err := sessions.StartSession(ctx, "t1", "p1")
		require.NoError(t, err)

		const callers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, ok, err := sessions.TransitionSession(ctx, "t1",
					[]domain.SessionStatus{domain.SessionStatusRunning},
					domain.SessionStatusCompleting, marker(domain.EventInterruptRequested))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		list, err := events.ListEvents(ctx, "t1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("list sessions by project", func(t *testing.T) {
		clock := testdb.NewClock(time.Now())
		sessions, _ := newStores(t, clock)
		for _, id := range []string{"a", "b", "c"} {
			project := "p1"
			if id == "c" {
				project = "p2"
			}
			_, _, err := sessions.StartSession(ctx, id, project)
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		list, err := sessions.ListSessions(ctx, store.SessionFilter{ProjectID: "p1"})
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, s := range list {
			ids = append(ids, s.ThreadID)
		}
		assert.Equal(t, []string{"b", "a"}, ids, "most recently updated first")
	})

	t.Run("delete removes session and events", func(t *testing.T) {
		sessions, events := newStores(t, testdb.NewClock(time.Now()))
		for i := 0; i < 3; i++ {
			_, err := events.AppendEvent(ctx, "t3", store.NewEvent{Type: "text"})
			require.NoError(t, err)
		}
		_, err := events.AppendEvent(ctx, "other", store.NewEvent{Type: "text"})
		require.NoError(t, err)

		require.NoError(t, events.DeleteThread(ctx, "t3"))

		_, err = sessions.GetSession(ctx, "t3")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
		list, err := events.ListEvents(ctx, "t3", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, list)

		others, err := events.ListEvents(ctx, "other", 0, 0)
		require.NoError(t, err)
		assert.Len(t, others, 1)

		err = events.DeleteThread(ctx, "t3")
		assert.True(t, errors.Is(err, store.ErrSessionNotFound))
	})

	t.Run("sequence restarts after delete", func(t *testing.T) {
		_, events := newStores(t, testdb.NewClock(time.Now()))
		_, err := events.AppendEvent(ctx, "t", store.NewEvent{Type: "text"})
		require.NoError(t, err)
		require.NoError(t, events.DeleteThread(ctx, "t"))

		ev, err := events.AppendEvent(ctx, "t", store.NewEvent{Type: "text"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), ev.SequenceID)
	})
}
