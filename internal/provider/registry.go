package provider

import (
	"fmt"
	"sync"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// Registry maps task types to the provider that serves them.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.TaskType]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.TaskType]Provider)}
}

// Register assigns p to taskType, replacing any previous assignment. The
// provider must be a SyncProvider or an AsyncProvider.
func (r *Registry) Register(taskType domain.TaskType, p Provider) error {
	if !taskType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, taskType)
	}
	switch p.(type) {
	case SyncProvider, AsyncProvider:
	default:
		return fmt.Errorf("provider %s implements neither Generate nor Submit/Poll", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[taskType] = p
	return nil
}

// Lookup returns the provider for taskType.
func (r *Registry) Lookup(taskType domain.TaskType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for %q", domain.ErrUnknownTaskType, taskType)
	}
	return p, nil
}

// Async returns the asynchronous provider for taskType, or false when the
// type is served synchronously.
func (r *Registry) Async(taskType domain.TaskType) (AsyncProvider, bool) {
	p, err := r.Lookup(taskType)
	if err != nil {
		return nil, false
	}
	ap, ok := p.(AsyncProvider)
	return ap, ok
}

// Validate checks that every task type has a provider. It is called once at
// startup so a missing wiring fails fast instead of failing tasks.
func (r *Registry) Validate() error {
	for _, t := range domain.AllTaskTypes() {
		switch t {
		case domain.TaskTypeImageGen, domain.TaskTypeVideoGen, domain.TaskTypeAudioGen,
			domain.TaskTypeImageDesc, domain.TaskTypeVideoDesc, domain.TaskTypeVideoRender:
			if _, err := r.Lookup(t); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, t)
		}
	}
	return nil
}
