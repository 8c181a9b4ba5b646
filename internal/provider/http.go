package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/phrazzld/storyboard-api/internal/domain"
)

// HTTPConfig configures an HTTPGateway.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RetryCount is how many times resty retries a request that failed with
	// a transport error, 429 or 5xx before giving up.
	RetryCount int
}

// HTTPGateway talks to a generation gateway over a small JSON API:
//
//	POST {base}/v1/generate/{task_type}  -> result object (synchronous)
//	POST {base}/v1/jobs                  -> {"job_id": "..."}
//	GET  {base}/v1/jobs/{job_id}         -> {"status", "output", "error"}
//
// The same gateway serves as a SyncProvider and an AsyncProvider; the
// registry decides which task types use which mode.
type HTTPGateway struct {
	client *resty.Client
}

// HTTPAsync is the asynchronous view of an HTTPGateway.
type HTTPAsync struct {
	gw *HTTPGateway
}

var (
	_ SyncProvider  = (*HTTPGateway)(nil)
	_ AsyncProvider = (*HTTPAsync)(nil)
)

type jobRequest struct {
	TaskID   string          `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
	Params   domain.Params   `json:"params"`
}

type jobSubmitResponse struct {
	JobID string `json:"job_id"`
}

type jobStatusResponse struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http provider base url cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return isRetryableStatus(r.StatusCode())
		})
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPGateway{client: client}, nil
}

func (g *HTTPGateway) Name() string { return "http" }

// Async returns the asynchronous job API of the gateway.
func (g *HTTPGateway) Async() *HTTPAsync { return &HTTPAsync{gw: g} }

// Generate runs a synchronous generation.
func (g *HTTPGateway) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(newJobRequest(req)).
		SetPathParam("task_type", string(req.Type)).
		Post("/v1/generate/{task_type}")
	if err != nil {
		return nil, g.transportError(ctx, "generate", err)
	}
	if !resp.IsSuccess() {
		return nil, g.statusError("generate", resp)
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, &domain.ProviderError{Provider: g.Name(), Message: "generate returned invalid JSON"}
	}
	return json.RawMessage(body), nil
}

func (a *HTTPAsync) Name() string { return "http-jobs" }

// Submit creates a job keyed by the request's idempotency key.
func (a *HTTPAsync) Submit(ctx context.Context, req Request) (string, error) {
	resp, err := a.gw.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(newJobRequest(req)).
		SetResult(&jobSubmitResponse{}).
		Post("/v1/jobs")
	if err != nil {
		return "", a.gw.transportError(ctx, "submit", err)
	}
	if !resp.IsSuccess() {
		return "", a.gw.statusError("submit", resp)
	}

	out := resp.Result().(*jobSubmitResponse)
	if out.JobID == "" {
		return "", &domain.ProviderError{Provider: a.Name(), Message: "submit returned no job id"}
	}
	return out.JobID, nil
}

// Poll fetches the job's current status.
func (a *HTTPAsync) Poll(ctx context.Context, externalID string) (PollResult, error) {
	resp, err := a.gw.client.R().
		SetContext(ctx).
		SetPathParam("job_id", externalID).
		SetResult(&jobStatusResponse{}).
		Get("/v1/jobs/{job_id}")
	if err != nil {
		return PollResult{}, a.gw.transportError(ctx, "poll", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		// The gateway forgot the job; treat it as a failed job so the task
		// does not wait forever.
		return PollResult{State: StateFailed, Error: "job not found at provider"}, nil
	}
	if !resp.IsSuccess() {
		return PollResult{}, a.gw.statusError("poll", resp)
	}

	out := resp.Result().(*jobStatusResponse)
	switch strings.ToLower(out.Status) {
	case "succeeded", "completed", "done":
		return PollResult{State: StateSucceeded, Result: out.Output}, nil
	case "failed", "error", "cancelled":
		msg := out.Error
		if msg == "" {
			msg = "job " + out.Status
		}
		return PollResult{State: StateFailed, Error: msg}, nil
	default:
		return PollResult{State: StateRunning}, nil
	}
}

func newJobRequest(req Request) jobRequest {
	return jobRequest{
		TaskID:   req.TaskID.String(),
		TaskType: req.Type,
		Params:   req.Params,
	}
}

func (g *HTTPGateway) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &domain.ProviderError{
		Provider:  g.Name(),
		Message:   op + " request failed",
		Retryable: true,
		Err:       err,
	}
}

func (g *HTTPGateway) statusError(op string, resp *resty.Response) error {
	msg := fmt.Sprintf("%s returned status %d", op, resp.StatusCode())
	var body gatewayError
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		if detail := firstNonEmpty(body.Message, body.Error); detail != "" {
			msg += ": " + detail
		}
	}
	return &domain.ProviderError{
		Provider:  g.Name(),
		Message:   msg,
		Retryable: isRetryableStatus(resp.StatusCode()),
	}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
