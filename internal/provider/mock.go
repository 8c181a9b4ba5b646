package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// MockSync is a synchronous provider that returns a canned result. It is
// used for local development and tests.
type MockSync struct {
	// Delay is waited before answering, honoring context cancellation.
	Delay time.Duration

	// GenerateFunc, when set, replaces the canned result.
	GenerateFunc func(ctx context.Context, req Request) (json.RawMessage, error)

	calls atomic.Int64
}

func (m *MockSync) Name() string { return "mock" }

// Calls returns how many times Generate ran.
func (m *MockSync) Calls() int64 { return m.calls.Load() }

func (m *MockSync) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return cannedResult(req)
}

func cannedResult(req Request) (json.RawMessage, error) {
	var out map[string]any
	switch req.Type {
	case domain.TaskTypeImageGen:
		out = map[string]any{"image_r2_key": fmt.Sprintf("mock/%s.png", req.TaskID)}
	case domain.TaskTypeVideoGen, domain.TaskTypeVideoRender:
		out = map[string]any{"video_r2_key": fmt.Sprintf("mock/%s.mp4", req.TaskID)}
	case domain.TaskTypeAudioGen:
		out = map[string]any{"audio_r2_key": fmt.Sprintf("mock/%s.mp3", req.TaskID)}
	case domain.TaskTypeImageDesc, domain.TaskTypeVideoDesc:
		out = map[string]any{"description": "A mock description."}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, req.Type)
	}
	return json.Marshal(out)
}

// MockAsync is an in-memory asynchronous provider. Jobs report running for
// PollsToFinish polls and then succeed with the canned result.
type MockAsync struct {
	PollsToFinish int

	mu     sync.Mutex
	jobs   map[string]*mockJob
	byKey  map[string]string
	nextID int
}

type mockJob struct {
	req   Request
	polls int
	state State
	err   string
}

func (m *MockAsync) Name() string { return "mock-async" }

func (m *MockAsync) Submit(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = make(map[string]*mockJob)
		m.byKey = make(map[string]string)
	}
	if id, ok := m.byKey[req.IdempotencyKey]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("mock-job-%d", m.nextID)
	m.jobs[id] = &mockJob{req: req, state: StateRunning}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = id
	}
	return id, nil
}

func (m *MockAsync) Poll(_ context.Context, externalID string) (PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[externalID]
	if !ok {
		return PollResult{}, &domain.ProviderError{Provider: m.Name(), Message: "unknown job " + externalID}
	}

	job.polls++
	if job.state == StateRunning && job.polls > m.PollsToFinish {
		job.state = StateSucceeded
	}
	switch job.state {
	case StateSucceeded:
		result, err := cannedResult(job.req)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{State: StateSucceeded, Result: result}, nil
	case StateFailed:
		return PollResult{State: StateFailed, Error: job.err}, nil
	default:
		return PollResult{State: StateRunning}, nil
	}
}

// FailJob makes the job report failure with msg on its next poll.
func (m *MockAsync) FailJob(externalID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[externalID]; ok {
		job.state = StateFailed
		job.err = msg
	}
}

// Submitted returns the number of distinct jobs accepted.
func (m *MockAsync) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
