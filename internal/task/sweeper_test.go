package task

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/phrazzld/storyboard-api/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, DefaultLeaseConfig(), nil)
	c := NewCorrelator(f.store, f.registry, DefaultLeaseConfig(), nil, discardLogger())

	_, err := NewSweeper(f.lease, c, "every now and then", 2, discardLogger())
	assert.Error(t, err)
}

func TestSweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := testdb.NewClock(time.Now())
	f := newFixture(t, DefaultLeaseConfig(), clock)
	c := NewCorrelator(f.store, f.registry, DefaultLeaseConfig(), nil, discardLogger())
	s, err := NewSweeper(f.lease, c, "@every 1m", 2, discardLogger())
	require.NoError(t, err)

	abandoned := f.createImage(t)
	_, err = f.lease.Claim(ctx, "crashed-worker")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	f.createVideo(t)
	waiting := f.handOff(t, "w1")

	// Only the first lease has lapsed.
	clock.Advance(DefaultLeaseConfig().Lease - time.Minute + time.Second)

	stats, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Requeued: 1, Finished: 1}, stats)

	assert.Equal(t, domain.TaskStatusPending, f.get(t, abandoned).Status)
	assert.Equal(t, domain.TaskStatusCompleted, f.get(t, waiting).Status)
}

func TestSweeperSchedule(t *testing.T) {
	f := newFixture(t, DefaultLeaseConfig(), nil)
	c := NewCorrelator(f.store, f.registry, DefaultLeaseConfig(), nil, discardLogger())
	s, err := NewSweeper(f.lease, c, "@every 1s", 1, discardLogger())
	require.NoError(t, err)

	f.createVideo(t)
	waiting := f.handOff(t, "w1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return f.get(t, waiting).Status == domain.TaskStatusCompleted
	}, 5*time.Second, 50*time.Millisecond)
}
