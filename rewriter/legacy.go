package rewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/types"
)

const (
	conservativeTemperature = 0.3
	exploratoryTemperature  = 0.9
)

// legacy runs the full pipeline: similarity matching against
// historically successful prompts, then template-guided rewriting with
// per-mode candidate counts and temperatures.
func (r *Rewriter) legacy(ctx context.Context, rc types.RewriteContext, mode Mode) ([]types.RewriteCandidate, error) {
	template := r.bestTemplate(ctx, rc)

	var temps []float64
	switch mode {
	case ModeConservative:
		temps = []float64{conservativeTemperature}
	case ModeExploratory:
		temps = []float64{exploratoryTemperature, exploratoryTemperature, exploratoryTemperature}
	case ModeHybrid:
		temps = []float64{conservativeTemperature, exploratoryTemperature, exploratoryTemperature}
	default:
		return nil, fmt.Errorf("not a legacy mode: %q", mode)
	}

	prompt := r.legacyPrompt(rc, template)

	var mu sync.Mutex
	var candidates []types.RewriteCandidate
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	for _, temp := range temps {
		temp := temp
		g.Go(func() error {
			cand, err := r.generateCandidate(gctx, prompt, temp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				r.logger.Warn("legacy candidate failed", "temperature", temp, "error", err)
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
		return nil, fmt.Errorf("all legacy candidates failed: %w", firstErr)
	}
	return candidates, nil
}

// bestTemplate asks the model to score the current prompt's similarity
// to each historically successful prompt and returns the closest one.
// Any failure here degrades gracefully to rewriting without a template.
func (r *Rewriter) bestTemplate(ctx context.Context, rc types.RewriteContext) string {
	if len(rc.SuccessfulPrompts) == 0 {
		return ""
	}

	var listing strings.Builder
	for i, p := range rc.SuccessfulPrompts {
		fmt.Fprintf(&listing, "%d. %s\n", i+1, p)
	}

	prompt := fmt.Sprintf(`Score how similar each numbered prompt is to the target prompt, 0.0 to 1.0.

Target prompt:
%s

Numbered prompts:
%s
Respond with ONLY a raw JSON array of numbers, one per numbered prompt.`,
		rc.CurrentPrompt, listing.String())

	if err := r.limiter.Wait(ctx); err != nil {
		return ""
	}
	response, err := r.client.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if err != nil {
		r.logger.Warn("similarity scoring failed, rewriting without template", "error", err)
		return ""
	}

	var scores []float64
	cleaned := strings.TrimSpace(response)
	if start := strings.Index(cleaned, "["); start != -1 {
		if end := strings.LastIndex(cleaned, "]"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(cleaned), &scores); err != nil || len(scores) == 0 {
		r.logger.Warn("could not parse similarity scores", "error", err)
		return ""
	}

	best, bestScore := 0, scores[0]
	for i, s := range scores {
		if i < len(rc.SuccessfulPrompts) && s > bestScore {
			best, bestScore = i, s
		}
	}
	return rc.SuccessfulPrompts[best]
}

func (r *Rewriter) legacyPrompt(rc types.RewriteContext, template string) string {
	templateSection := ""
	if template != "" {
		templateSection = fmt.Sprintf(`A historically successful prompt similar to this one, for structural guidance:
%s

`, template)
	}

	return fmt.Sprintf(`You optimize system prompts for an email-drafting assistant.

Current system prompt:
%s

%s%sRewrite the prompt to address the issues above while keeping what works.

Respond with ONLY a raw JSON object matching this schema, no markdown:
%s`,
		rc.CurrentPrompt, templateSection, r.constraintLines(rc), candidateSchema())
}
