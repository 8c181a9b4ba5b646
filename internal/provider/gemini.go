package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"text/template"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"google.golang.org/genai"
)

// ContentGenerator is the part of the genai client the describer uses.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiDescriber.
type GeminiConfig struct {
	APIKey string
	Model  string

	// MediaBaseURL is prefixed to R2 keys to build URLs the model can fetch.
	MediaBaseURL string
}

// GeminiDescriber describes images and videos with a Gemini model.
type GeminiDescriber struct {
	models       ContentGenerator
	model        string
	mediaBaseURL string
	prompt       *template.Template
}

var _ SyncProvider = (*GeminiDescriber)(nil)

const systemInstruction = "You describe media for a storyboard editor. " +
	"Be concrete about subjects, setting, camera framing, lighting and motion. " +
	"Answer in plain prose without markdown."

var describePrompt = template.Must(template.New("describe").Parse(
	`Describe this {{.Kind}}.{{if .Prompt}} Focus on the following: {{.Prompt}}{{end}}`,
))

type promptData struct {
	Kind   string
	Prompt string
}

// NewGeminiDescriber creates a describer backed by the Gemini API.
func NewGeminiDescriber(ctx context.Context, cfg GeminiConfig) (*GeminiDescriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return NewGeminiDescriberWithClient(client.Models, cfg)
}

// NewGeminiDescriberWithClient creates a describer over an existing content
// generator.
func NewGeminiDescriberWithClient(models ContentGenerator, cfg GeminiConfig) (*GeminiDescriber, error) {
	if models == nil {
		return nil, errors.New("content generator cannot be nil")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}
	return &GeminiDescriber{
		models:       models,
		model:        cfg.Model,
		mediaBaseURL: strings.TrimRight(cfg.MediaBaseURL, "/"),
		prompt:       describePrompt,
	}, nil
}

func (g *GeminiDescriber) Name() string { return "gemini" }

// Generate returns {"description": "..."} for an image_desc or video_desc
// request.
func (g *GeminiDescriber) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	mediaURL, kind, userPrompt, err := g.mediaFor(req)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := g.prompt.Execute(&buf, promptData{Kind: kind, Prompt: userPrompt}); err != nil {
		return nil, fmt.Errorf("failed to execute prompt template: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(mediaURL, mimeTypeFor(mediaURL, kind)),
			genai.NewPartFromText(buf.String()),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.apiError(err)
	}

	text, err := g.responseText(resp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"description": text, "model": g.model})
}

func (g *GeminiDescriber) mediaFor(req Request) (mediaURL, kind, prompt string, err error) {
	switch p := req.Params.(type) {
	case *domain.ImageDescParams:
		mediaURL, err = g.resolve(p.ImageURL, p.ImageR2Key)
		return mediaURL, "image", p.Prompt, err
	case *domain.VideoDescParams:
		mediaURL, err = g.resolve(p.VideoURL, p.VideoR2Key)
		return mediaURL, "video", p.Prompt, err
	default:
		return "", "", "", &domain.ProviderError{
			Provider: g.Name(),
			Message:  fmt.Sprintf("task type %s is not a description task", req.Type),
		}
	}
}

func (g *GeminiDescriber) resolve(url, key string) (string, error) {
	if url != "" {
		return url, nil
	}
	if g.mediaBaseURL == "" {
		return "", &domain.ProviderError{
			Provider: g.Name(),
			Message:  "media base url is not configured; cannot resolve blob key",
		}
	}
	return g.mediaBaseURL + "/" + strings.TrimLeft(key, "/"), nil
}

func (g *GeminiDescriber) responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &domain.ProviderError{Provider: g.Name(), Message: "no content generated"}
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", &domain.ProviderError{Provider: g.Name(), Message: "content blocked by safety filters"}
	}
	if candidate.Content == nil {
		return "", &domain.ProviderError{Provider: g.Name(), Message: "empty content in response"}
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &domain.ProviderError{Provider: g.Name(), Message: "response contained no text"}
	}
	return text, nil
}

func (g *GeminiDescriber) apiError(err error) error {
	retryable := true
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		retryable = apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return &domain.ProviderError{
		Provider:  g.Name(),
		Message:   "generate content failed",
		Retryable: retryable,
		Err:       err,
	}
}

func mimeTypeFor(mediaURL, kind string) string {
	if ext := path.Ext(strings.SplitN(mediaURL, "?", 2)[0]); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return strings.SplitN(t, ";", 2)[0]
		}
	}
	if kind == "video" {
		return "video/mp4"
	}
	return "image/png"
}
