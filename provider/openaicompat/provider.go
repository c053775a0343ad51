package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	minitime "github.com/minitime/minitime"
)

// maxAttempts bounds the gateway's retry behavior: one retry on
// transport errors and 5xx responses. 4xx responses surface verbatim.
const maxAttempts = 2

// DefaultBaseURL points at the DeepSeek chat completions API.
const DefaultBaseURL = "https://api.deepseek.com/v1"

// Provider implements minitime.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

var _ minitime.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name used in logs and errors.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the HTTP client (timeouts, proxies, tests).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.deepseek.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically. An empty baseURL selects DefaultBaseURL.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// ToolCalls.
func (p *Provider) Chat(ctx context.Context, req minitime.ChatRequest) (*minitime.ChatResponse, error) {
	body := buildBody(req, p.model)

	resp, err := p.sendWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &minitime.ErrLLM{Provider: p.name, Message: "decode response", Err: err}
	}
	return parseResponse(wire), nil
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. Tool-call deltas are accumulated internally and
// returned complete. The caller owns ch.
func (p *Provider) ChatStream(ctx context.Context, req minitime.ChatRequest, ch chan<- minitime.StreamEvent) (*minitime.ChatResponse, error) {
	body := buildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return streamSSE(ctx, resp.Body, ch)
}

// sendWithRetry posts the request, retrying once on transport errors
// and 5xx responses. Context cancellation and 4xx responses are never
// retried.
func (p *Provider) sendWithRetry(ctx context.Context, body chatRequest) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := p.sendHTTP(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			p.logger.Warn("llm request failed", "provider", p.name, "attempt", attempt, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		httpErr := p.httpErr(resp)
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, httpErr
		}
		lastErr = httpErr
		p.logger.Warn("llm upstream error", "provider", p.name, "attempt", attempt, "status", resp.StatusCode)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	var httpErr *minitime.ErrHTTP
	if errors.As(lastErr, &httpErr) {
		return nil, lastErr
	}
	return nil, &minitime.ErrLLM{Provider: p.name, Message: "request failed after retries", Err: lastErr}
}

// sendHTTP marshals the body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &minitime.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &minitime.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &minitime.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}
