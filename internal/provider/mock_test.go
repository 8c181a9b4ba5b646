package provider

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSync(t *testing.T) {
	m := &MockSync{}
	id := uuid.New()

	out, err := m.Generate(context.Background(), Request{TaskID: id, Type: domain.TaskTypeImageGen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"image_r2_key":"mock/`+id.String()+`.png"}`, string(out))
	assert.Equal(t, int64(1), m.Calls())

	slow := &MockSync{Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Generate(ctx, Request{Type: domain.TaskTypeImageGen})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockAsync(t *testing.T) {
	ctx := context.Background()
	m := &MockAsync{PollsToFinish: 2}
	req := Request{TaskID: uuid.New(), Type: domain.TaskTypeVideoGen, IdempotencyKey: "k1"}

	id, err := m.Submit(ctx, req)
	require.NoError(t, err)
	again, err := m.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id, again, "same idempotency key returns the same job")
	assert.Equal(t, 1, m.Submitted())

	for i := 0; i < 2; i++ {
		res, err := m.Poll(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, res.State)
	}
	res, err := m.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Contains(t, string(res.Result), "video_r2_key")

	other, err := m.Submit(ctx, Request{Type: domain.TaskTypeVideoRender, IdempotencyKey: "k2"})
	require.NoError(t, err)
	m.FailJob(other, "render crashed")
	res, err = m.Poll(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, PollResult{State: StateFailed, Error: "render crashed"}, res)

	_, err = m.Poll(ctx, "nope")
	assert.Error(t, err)
}
