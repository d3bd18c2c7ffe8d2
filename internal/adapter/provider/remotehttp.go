package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// RemoteHTTP talks to an async generation API: POST /v1/generations starts a
// job, GET /v1/generations/{id} polls it, DELETE cancels. Error
// classification is by status class; 4xx is terminal except 408 and 429.
type RemoteHTTP struct {
	BaseURL string
	APIKey  string
	HC      *http.Client
}

// NewRemoteHTTP constructs a RemoteHTTP adapter with sane timeouts. Output
// downloads get a longer deadline than control-plane calls.
func NewRemoteHTTP(baseURL, apiKey string) *RemoteHTTP {
	return &RemoteHTTP{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HC: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type startRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Kind   string `json:"kind"`
	Seed   int64  `json:"seed,omitempty"`
	Ref    string `json:"ref,omitempty"`
}

type startResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status    string  `json:"status"`
	OutputURL string  `json:"output_url"`
	Error     string  `json:"error"`
	Progress  float64 `json:"progress"`
}

// Start begins a generation and returns the provider-side job id.
func (p *RemoteHTTP) Start(ctx domain.Context, in domain.GenerationInput) (string, error) {
	body, err := json.Marshal(startRequest{
		Model: in.ModelKey, Prompt: in.Prompt, Kind: in.Kind, Seed: in.Seed, Ref: in.JobID,
	})
	if err != nil {
		return "", fmt.Errorf("op=provider.start: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=provider.start: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	// Provider-side dedup across retried attempts of the same job.
	req.Header.Set("Idempotency-Key", in.JobID)

	resp, err := p.HC.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=provider.start: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", classifyStatus("provider.start", resp)
	}
	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=provider.start: decode: %w: %v", domain.ErrTransient, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("op=provider.start: %w: empty job id in response", domain.ErrTransient)
	}
	return out.ID, nil
}

// Poll reports progress of a provider-side job.
func (p *RemoteHTTP) Poll(ctx domain.Context, providerJobID string) (domain.PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/generations/"+providerJobID, nil)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("op=provider.poll: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HC.Do(req)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("op=provider.poll: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.PollResult{}, classifyStatus("provider.poll", resp)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.PollResult{}, fmt.Errorf("op=provider.poll: decode: %w: %v", domain.ErrTransient, err)
	}
	switch out.Status {
	case "queued", "processing":
		return domain.PollResult{State: domain.PollPending, Progress: out.Progress}, nil
	case "succeeded":
		return domain.PollResult{State: domain.PollDone, OutputRef: out.OutputURL, Progress: 1}, nil
	case "failed":
		return domain.PollResult{State: domain.PollFailed, Cause: out.Error, Retryable: true}, nil
	case "rejected":
		// Content policy and validation rejections never retry.
		return domain.PollResult{State: domain.PollFailed, Cause: out.Error, Retryable: false}, nil
	default:
		return domain.PollResult{}, fmt.Errorf("op=provider.poll: %w: unknown status %q", domain.ErrTransient, out.Status)
	}
}

// Cancel is best-effort; 404 and 409 mean the job already settled remotely.
func (p *RemoteHTTP) Cancel(ctx domain.Context, providerJobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.BaseURL+"/v1/generations/"+providerJobID, nil)
	if err != nil {
		return fmt.Errorf("op=provider.cancel: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HC.Do(req)
	if err != nil {
		slog.Warn("provider cancel failed", slog.String("provider_job_id", providerJobID), slog.Any("error", err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		slog.Warn("provider cancel rejected", slog.String("provider_job_id", providerJobID),
			slog.Int("status", resp.StatusCode))
	}
	return nil
}

// FetchOutput downloads the finished media referenced by a done poll.
func (p *RemoteHTTP) FetchOutput(ctx domain.Context, outputRef string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputRef, nil)
	if err != nil {
		return nil, "", fmt.Errorf("op=provider.fetch_output: %w", err)
	}
	hc := &http.Client{
		Timeout:   5 * time.Minute,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("op=provider.fetch_output: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus("provider.fetch_output", resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("op=provider.fetch_output: %w: %v", domain.ErrTransient, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// classifyStatus maps an HTTP error response to the transient/terminal
// taxonomy. 5xx, 408, and 429 retry; every other 4xx is terminal.
func classifyStatus(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=%s: status=%d: %w: %s", op, resp.StatusCode, domain.ErrTransient, snippet)
	default:
		return fmt.Errorf("op=%s: status=%d: %w: %s", op, resp.StatusCode, domain.ErrTerminal, snippet)
	}
}
