package rewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/types"
)

// miniOPROTemperatures staggers the fan-out so the three variations
// explore at different distances from the current prompt.
var miniOPROTemperatures = []float64{0.4, 0.5, 0.6}

// candidateResponse is the JSON shape the model is asked to return for
// one rewrite candidate.
type candidateResponse struct {
	Content    string  `json:"content" validate:"required"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence" validate:"min=0,max=1"`
}

var (
	candidateSchemaOnce sync.Once
	candidateSchemaJSON string
)

// candidateSchema returns the JSON schema advertised to the model so
// responses parse reliably.
func candidateSchema() string {
	candidateSchemaOnce.Do(func() {
		s := jsonschema.Reflect(&candidateResponse{})
		if b, err := json.MarshalIndent(s, "", "  "); err == nil {
			candidateSchemaJSON = string(b)
		}
	})
	return candidateSchemaJSON
}

// cleanJSONResponse strips markdown fences and surrounding prose so the
// payload unmarshals even when the model decorates its answer.
func cleanJSONResponse(response string) string {
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "{") {
		return response
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end != -1 && end > start {
		return response[start : end+1]
	}
	return response
}

func (r *Rewriter) parseCandidate(response string, temperature float64) (types.RewriteCandidate, error) {
	var parsed candidateResponse
	if err := json.Unmarshal([]byte(cleanJSONResponse(response)), &parsed); err != nil {
		return types.RewriteCandidate{}, fmt.Errorf("failed to parse candidate response: %w", err)
	}
	if err := r.validate.Struct(parsed); err != nil {
		return types.RewriteCandidate{}, fmt.Errorf("invalid candidate structure: %w", err)
	}
	return types.RewriteCandidate{
		Content:     strings.TrimSpace(parsed.Content),
		Confidence:  parsed.Confidence,
		Temperature: temperature,
		Reasoning:   parsed.Reasoning,
	}, nil
}

// trajectory renders prior attempts and scores for the meta-prompt,
// newest last, bounded by the token budget.
func (r *Rewriter) trajectory(rc types.RewriteContext) string {
	if len(rc.PriorAttempts) == 0 && len(rc.PerformanceHistory) == 0 {
		return "No prior optimization attempts recorded."
	}

	var b strings.Builder
	for i, attempt := range rc.PriorAttempts {
		fmt.Fprintf(&b, "Attempt %d (score %.3f):\n%s\n\n", i+1, attempt.Score, attempt.Prompt)
	}
	if len(rc.PerformanceHistory) > 0 {
		fmt.Fprintf(&b, "Version scores, oldest first: %v\n", rc.PerformanceHistory)
	}
	return r.truncateToTokens(b.String(), trajectoryTokenBudget)
}

func (r *Rewriter) miniOPROPrompt(rc types.RewriteContext) string {
	return fmt.Sprintf(`You optimize system prompts for an email-drafting assistant.

Current system prompt:
%s

Optimization trajectory so far:
%s

%sPropose one improved system prompt that should score higher than every prior attempt.

Respond with ONLY a raw JSON object matching this schema, no markdown:
%s`,
		rc.CurrentPrompt, r.trajectory(rc), r.constraintLines(rc), candidateSchema())
}

// miniOPRO requests three variations concurrently at staggered
// temperatures. Partial success is success; only a full wipeout
// propagates an error (and triggers the downgrade chain).
func (r *Rewriter) miniOPRO(ctx context.Context, rc types.RewriteContext) ([]types.RewriteCandidate, error) {
	prompt := r.miniOPROPrompt(rc)

	var mu sync.Mutex
	var candidates []types.RewriteCandidate
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	for _, temp := range miniOPROTemperatures {
		temp := temp
		g.Go(func() error {
			cand, err := r.generateCandidate(gctx, prompt, temp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				r.logger.Warn("mini-opro variation failed", "temperature", temp, "error", err)
				return nil
			}
			candidates = append(candidates, cand)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("all mini-opro variations failed: %w", firstErr)
	}
	return candidates, nil
}

func (r *Rewriter) generateCandidate(ctx context.Context, prompt string, temperature float64) (types.RewriteCandidate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.RewriteCandidate{}, err
	}
	response, err := r.client.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   1000,
	})
	if err != nil {
		return types.RewriteCandidate{}, err
	}
	return r.parseCandidate(response, temperature)
}
