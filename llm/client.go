// Package llm defines the language-model capability contract the
// optimization engine depends on, plus an OpenAI-compatible client and a
// scripted mock for tests. Callers treat the model as a black box: text
// in, text out, with optional per-token log-probabilities.
package llm

import "context"

// GenerateRequest holds the parameters for one text generation call.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Client is the capability consumed by the reward aggregator, the
// evaluation engine, and the prompt rewriter. Every call is a potential
// suspension point; callers bound it with a context deadline.
type Client interface {
	// Generate produces text for the given prompt and parameters.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// LogProbabilities returns per-token log-probabilities for text,
	// optionally conditioned on a preceding context string. Providers
	// that cannot score text should return a ClientError so callers can
	// fall back to their neutral defaults.
	LogProbabilities(ctx context.Context, text, context string) ([]float64, error)
}
