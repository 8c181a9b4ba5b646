package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp *genai.GenerateContentResponse
	err  error

	model    string
	contents []*genai.Content
}

func (f *fakeModels) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	_ *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
	}
}

func describeRequest(t *testing.T, taskType domain.TaskType, raw string) Request {
	t.Helper()
	params, err := domain.DecodeParams(taskType, json.RawMessage(raw))
	require.NoError(t, err)
	return Request{Type: taskType, Params: params}
}

func TestGeminiDescriber(t *testing.T) {
	cfg := GeminiConfig{Model: "gemini-test", MediaBaseURL: "https://media.example.com/"}

	t.Run("describes an image by blob key", func(t *testing.T) {
		fake := &fakeModels{resp: textResponse("A red bicycle ", "leaning on a wall.")}
		g, err := NewGeminiDescriberWithClient(fake, cfg)
		require.NoError(t, err)

		out, err := g.Generate(context.Background(),
			describeRequest(t, domain.TaskTypeImageDesc, `{"image_r2_key":"frames/1.png","prompt":"the lighting"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"description":"A red bicycle leaning on a wall.","model":"gemini-test"}`, string(out))

		assert.Equal(t, "gemini-test", fake.model)
		require.Len(t, fake.contents, 1)
		parts := fake.contents[0].Parts
		require.Len(t, parts, 2)
		require.NotNil(t, parts[0].FileData)
		assert.Equal(t, "https://media.example.com/frames/1.png", parts[0].FileData.FileURI)
		assert.Equal(t, "image/png", parts[0].FileData.MIMEType)
		assert.Contains(t, parts[1].Text, "Describe this image.")
		assert.Contains(t, parts[1].Text, "the lighting")
	})

	t.Run("video url is used as is", func(t *testing.T) {
		fake := &fakeModels{resp: textResponse("A slow pan.")}
		g, err := NewGeminiDescriberWithClient(fake, GeminiConfig{Model: "m"})
		require.NoError(t, err)

		_, err = g.Generate(context.Background(),
			describeRequest(t, domain.TaskTypeVideoDesc, `{"video_url":"https://cdn.example.com/clip.mp4"}`))
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/clip.mp4", fake.contents[0].Parts[0].FileData.FileURI)
		assert.Equal(t, "video/mp4", fake.contents[0].Parts[0].FileData.MIMEType)
	})

	t.Run("blob key without media base url", func(t *testing.T) {
		g, err := NewGeminiDescriberWithClient(&fakeModels{}, GeminiConfig{Model: "m"})
		require.NoError(t, err)

		_, err = g.Generate(context.Background(),
			describeRequest(t, domain.TaskTypeImageDesc, `{"image_r2_key":"k"}`))
		var pe *domain.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.False(t, pe.Retryable)
	})

	tests := []struct {
		name      string
		fake      *fakeModels
		retryable bool
	}{
		{"safety block", &fakeModels{resp: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		}}, false},
		{"no candidates", &fakeModels{resp: &genai.GenerateContentResponse{}}, false},
		{"empty text", &fakeModels{resp: textResponse("   ")}, false},
		{"rate limited", &fakeModels{err: genai.APIError{Code: 429, Message: "quota"}}, true},
		{"bad request", &fakeModels{err: genai.APIError{Code: 400, Message: "bad"}}, false},
		{"transport", &fakeModels{err: errors.New("connection reset")}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g, err := NewGeminiDescriberWithClient(tc.fake, cfg)
			require.NoError(t, err)

			_, err = g.Generate(context.Background(),
				describeRequest(t, domain.TaskTypeImageDesc, `{"image_url":"https://x.example.com/a.png"}`))
			var pe *domain.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.retryable, pe.Retryable)
			assert.Equal(t, "gemini", pe.Provider)
		})
	}

	t.Run("rejects other task types", func(t *testing.T) {
		g, err := NewGeminiDescriberWithClient(&fakeModels{}, cfg)
		require.NoError(t, err)
		_, err = g.Generate(context.Background(), imageRequest(t))
		assert.Error(t, err)
	})

	t.Run("constructor validation", func(t *testing.T) {
		_, err := NewGeminiDescriberWithClient(nil, cfg)
		assert.Error(t, err)
		_, err = NewGeminiDescriberWithClient(&fakeModels{}, GeminiConfig{})
		assert.Error(t, err)
		_, err = NewGeminiDescriber(context.Background(), GeminiConfig{Model: "m"})
		assert.Error(t, err)
	})
}
