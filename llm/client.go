// Package llm provides a provider-agnostic LLM client with retry and
// fallback support, resolving stage roles to endpoints through the model
// registry.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/shipwright/model"
)

// maxResponseSize limits the response body read to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Request defines an LLM completion request.
type Request struct {
	// Role is the semantic capability the registry resolves ("analysis",
	// "coding", "writing", ...). Unknown roles use the fast chain.
	Role string

	// PromptVersion tags the template that produced the messages, recorded
	// for auditability.
	PromptVersion string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature is nil for the endpoint default, 0 for deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int
}

// Usage is the token consumption of one call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Response contains the completion result.
type Response struct {
	Content      string
	Model        string
	Usage        Usage
	FinishReason string

	// Retries and FallbacksUsed describe how hard the client had to work.
	Retries       int
	FallbacksUsed []string
}

// UsageFunc receives the usage of every completed call, successful or not.
// Workers wire this to the active run record.
type UsageFunc func(ctx context.Context, modelName string, usage Usage)

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns bounded retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	onUsage     UsageFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithUsageFunc sets the usage callback.
func WithUsageFunc(fn UsageFunc) ClientOption {
	return func(client *Client) { client.onUsage = fn }
}

// NewClient creates a new LLM client over the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateTokens approximates the token count of text. Four characters per
// token is close enough for budget checks.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Call sends a completion request, walking the capability's fallback chain
// and retrying transient failures per endpoint with exponential backoff.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	capability := model.ParseCapability(req.Role)
	if capability == "" {
		capability = model.CapabilityFast
	}
	chain := c.registry.AvailableFallbackChain(capability)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for role %s", req.Role)
	}

	var lastErr error
	var fallbacksUsed []string
	var retries int

	for _, modelName := range chain {
		endpoint := c.registry.GetEndpoint(modelName)
		if endpoint == nil {
			c.logger.Debug("no endpoint for model, skipping", "model", modelName)
			continue
		}

		resp, attempts, err := c.tryEndpoint(ctx, endpoint, modelName, req)
		retries += attempts - 1

		if err == nil {
			resp.Usage.CostUSD = endpoint.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
			resp.Retries = retries
			resp.FallbacksUsed = fallbacksUsed
			if c.onUsage != nil {
				c.onUsage(ctx, resp.Model, resp.Usage)
			}
			return resp, nil
		}

		fallbacksUsed = append(fallbacksUsed, modelName)
		lastErr = err

		c.logger.Warn("endpoint failed, trying fallback",
			"model", modelName,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) {
			c.logger.Warn("fatal error, not trying fallbacks", "error", err)
			return nil, err
		}
	}

	return nil, fmt.Errorf("all endpoints failed for role %s: %w", req.Role, lastErr)
}

// tryEndpoint attempts a request with per-endpoint retry and returns the
// attempt count.
func (c *Client) tryEndpoint(ctx context.Context, ep *model.EndpointConfig, modelName string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(modelName)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors are config problems, not endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(modelName)
	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff computes exponential backoff with +/- 25% jitter so
// concurrent clients don't retry in lockstep.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("sending llm request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create http request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return nil, NewTransientError(fmt.Errorf("http request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}
