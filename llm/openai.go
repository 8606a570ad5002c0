package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/optimail/optimail/utils"
)

const (
	defaultChatEndpoint        = "https://api.openai.com/v1/chat/completions"
	defaultCompletionsEndpoint = "https://api.openai.com/v1/completions"
)

// OpenAIClient implements Client against an OpenAI-compatible API.
type OpenAIClient struct {
	apiKey              string
	model               string
	chatEndpoint        string
	completionsEndpoint string
	httpClient          *http.Client
	logger              utils.Logger

	// newRetry builds a fresh strategy per Generate call; concurrent
	// calls must not share backoff state.
	newRetry func() RetryStrategy
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithEndpoint points the client at an OpenAI-compatible base URL
// (for example a local vLLM or LM Studio server).
func WithEndpoint(base string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.chatEndpoint = base + "/chat/completions"
		c.completionsEndpoint = base + "/completions"
	}
}

// WithHTTPTimeout bounds each HTTP request.
func WithHTTPTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient.Timeout = d }
}

// WithRetries sets transport-level retry behavior: up to maxRetries
// attempts after the first, starting at delay and doubling up to
// maxBackoff.
func WithRetries(maxRetries int, delay time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		c.newRetry = func() RetryStrategy {
			return &DefaultRetryStrategy{
				MaxRetries:  maxRetries,
				InitialWait: delay,
				MaxWait:     maxBackoff,
			}
		}
	}
}

// WithRetryStrategy replaces the backoff policy entirely. The factory
// is invoked once per Generate call.
func WithRetryStrategy(newStrategy func() RetryStrategy) OpenAIOption {
	return func(c *OpenAIClient) { c.newRetry = newStrategy }
}

const maxBackoff = 30 * time.Second

// NewOpenAIClient creates a client for the given API key and model.
func NewOpenAIClient(apiKey, model string, logger utils.Logger, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:              apiKey,
		model:               model,
		chatEndpoint:        defaultChatEndpoint,
		completionsEndpoint: defaultCompletionsEndpoint,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		logger:              logger,
	}
	WithRetries(3, 2*time.Second)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	retry := c.newRetry()
	for attempt := 1; ; attempt++ {
		c.logger.Debug("Generating text", "model", c.model, "attempt", attempt)

		result, err := c.attemptGenerate(ctx, req)
		if err == nil {
			return result, nil
		}

		c.logger.Warn("Generation attempt failed", "error", err, "attempt", attempt)
		if !IsRetryable(err) {
			return "", err
		}
		if !retry.ShouldRetry(err) {
			return "", fmt.Errorf("failed to generate after %d attempts: %w", attempt, err)
		}
		if err := c.wait(ctx, retry.NextDelay()); err != nil {
			return "", err
		}
	}
}

func (c *OpenAIClient) wait(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *OpenAIClient) attemptGenerate(ctx context.Context, req GenerateRequest) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	raw, err := c.post(ctx, c.chatEndpoint, body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", NewClientError(ErrorTypeResponse, "failed to parse chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", NewClientError(ErrorTypeResponse, "empty choices in chat response", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// LogProbabilities scores text through the legacy completions endpoint
// with echo enabled, which returns log-probabilities for the prompt
// tokens themselves. Chat-only deployments reject this request; callers
// treat that as a provider failure and fall back to neutral scores.
func (c *OpenAIClient) LogProbabilities(ctx context.Context, text, contextText string) ([]float64, error) {
	prompt := text
	if contextText != "" {
		prompt = contextText + "\n" + text
	}
	body := map[string]any{
		"model":      c.model,
		"prompt":     prompt,
		"max_tokens": 0,
		"echo":       true,
		"logprobs":   0,
	}

	raw, err := c.post(ctx, c.completionsEndpoint, body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Logprobs struct {
				TokenLogprobs []*float64 `json:"token_logprobs"`
			} `json:"logprobs"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewClientError(ErrorTypeResponse, "failed to parse logprobs response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewClientError(ErrorTypeResponse, "empty choices in logprobs response", nil)
	}

	// The first token of an echoed prompt has no conditional probability.
	probs := make([]float64, 0, len(parsed.Choices[0].Logprobs.TokenLogprobs))
	for _, lp := range parsed.Choices[0].Logprobs.TokenLogprobs {
		if lp != nil {
			probs = append(probs, *lp)
		}
	}
	if len(probs) == 0 {
		return nil, NewClientError(ErrorTypeResponse, "no token logprobs returned", nil)
	}
	return probs, nil
}

func (c *OpenAIClient) post(ctx context.Context, endpoint string, body map[string]any) ([]byte, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, NewClientError(ErrorTypeRequest, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, NewClientError(ErrorTypeRequest, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewClientError(ErrorTypeProvider, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewClientError(ErrorTypeResponse, "failed to read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, NewClientError(ErrorTypeAuthentication, "invalid API key", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewClientError(ErrorTypeRateLimit, "rate limited", nil)
	case resp.StatusCode >= 500:
		return nil, NewClientError(ErrorTypeAPI, fmt.Sprintf("server error %d: %s", resp.StatusCode, string(raw)), nil)
	default:
		return nil, NewClientError(ErrorTypeRequest, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(raw)), nil)
	}
}
