package events

import (
	"context"
	"sync"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// Broadcaster wakes subscribers of a thread whenever an event is appended
// to it. A wake-up carries no data; subscribers read the log from their
// last seen sequence id. Wake-ups coalesce, so a slow subscriber never
// blocks the appender.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[int]chan struct{})}
}

// Subscribe registers for wake-ups on threadID. The returned cancel func
// must be called to release the subscription.
func (b *Broadcaster) Subscribe(threadID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[threadID] == nil {
		b.subs[threadID] = make(map[int]chan struct{})
	}
	b.subs[threadID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[threadID], id)
			if len(b.subs[threadID]) == 0 {
				delete(b.subs, threadID)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions on threadID.
func (b *Broadcaster) Subscribers(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[threadID])
}

// HandleEvent implements Handler.
func (b *Broadcaster) HandleEvent(_ context.Context, event *domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[event.ThreadID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}
