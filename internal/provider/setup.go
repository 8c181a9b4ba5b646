package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/storyboard-api/internal/config"
	"github.com/phrazzld/storyboard-api/internal/domain"
)

// NewRegistryFromConfig wires every task type to a provider:
//
//   - image_desc, video_desc: Gemini describer
//   - image_gen, audio_gen: HTTP gateway, synchronous
//   - video_gen, video_render: HTTP gateway jobs, asynchronous
//
// Types whose backend is not configured get Unavailable. With UseMocks set
// every type is served by the in-memory mocks.
func NewRegistryFromConfig(ctx context.Context, cfg config.ProvidersConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	assign := func(p Provider, types ...domain.TaskType) error {
		for _, t := range types {
			if err := reg.Register(t, p); err != nil {
				return err
			}
		}
		return nil
	}

	describe := []domain.TaskType{domain.TaskTypeImageDesc, domain.TaskTypeVideoDesc}
	generate := []domain.TaskType{domain.TaskTypeImageGen, domain.TaskTypeAudioGen}
	jobs := []domain.TaskType{domain.TaskTypeVideoGen, domain.TaskTypeVideoRender}

	if cfg.UseMocks {
		logger.Warn("using mock providers for every task type")
		if err := assign(&MockSync{}, append(describe, generate...)...); err != nil {
			return nil, err
		}
		if err := assign(&MockAsync{PollsToFinish: 1}, jobs...); err != nil {
			return nil, err
		}
		return reg, reg.Validate()
	}

	if cfg.GeminiAPIKey != "" {
		gemini, err := NewGeminiDescriber(ctx, GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			MediaBaseURL: cfg.MediaBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		if err := assign(gemini, describe...); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("gemini api key not set; description tasks will fail", "task_types", describe)
		if err := assign(Unavailable{Reason: "gemini api key not set"}, describe...); err != nil {
			return nil, err
		}
	}

	if cfg.HTTPBaseURL != "" {
		gw, err := NewHTTPGateway(HTTPConfig{
			BaseURL:    cfg.HTTPBaseURL,
			APIKey:     cfg.HTTPAPIKey,
			Timeout:    cfg.HTTPTimeout,
			RetryCount: 2,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create http provider: %w", err)
		}
		if err := assign(gw, generate...); err != nil {
			return nil, err
		}
		if err := assign(gw.Async(), jobs...); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("http provider base url not set; generation tasks will fail",
			"task_types", append(generate, jobs...))
		if err := assign(Unavailable{Reason: "http provider base url not set"}, append(generate, jobs...)...); err != nil {
			return nil, err
		}
	}

	return reg, reg.Validate()
}
