package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// Unavailable stands in for a provider that is not configured. Every call
// fails with a non-retryable provider error so tasks fail fast instead of
// cycling through their attempts.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Generate(_ context.Context, req Request) (json.RawMessage, error) {
	return nil, &domain.ProviderError{
		Provider: u.Name(),
		Message:  fmt.Sprintf("no provider configured for %s: %s", req.Type, u.Reason),
	}
}
