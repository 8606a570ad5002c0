package rewriter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/time/rate"

	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/reward"
	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

// Primary issues derivable from a feedback batch.
const (
	issueClarity     = "clarity"
	issueSpecificity = "specificity"
	issueGuidance    = "guidance"
	issueGeneral     = "general"
)

const (
	// rejectRateThreshold flags the batch as a clarity/tone problem.
	rejectRateThreshold = 0.4
	// editRateThreshold flags the batch as a specificity problem.
	editRateThreshold = 0.3
	// lowPerformanceThreshold flags insufficient guidance in the prompt.
	lowPerformanceThreshold = 0.5

	// trajectoryTokenBudget bounds the optimization trajectory embedded
	// in the mini-OPRO meta-prompt.
	trajectoryTokenBudget = 1500

	tokenEncoding = "cl100k_base"
)

// Rewriter proposes prompt rewrites through tiered strategies.
type Rewriter struct {
	client   llm.Client
	rewards  *reward.Aggregator
	logger   utils.Logger
	patterns *PatternLibrary
	validate *validator.Validate
	limiter  *rate.Limiter
	encoder  *tiktoken.Tiktoken
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithRateLimit caps LLM calls made by the rewriter.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(rw *Rewriter) { rw.limiter = rate.NewLimiter(r, burst) }
}

// WithPatternLibrary replaces the stock cached-tier pattern library.
func WithPatternLibrary(lib *PatternLibrary) Option {
	return func(rw *Rewriter) { rw.patterns = lib }
}

// New creates a Rewriter. The default rate limit allows a small burst
// so a mini-OPRO fan-out is not serialized.
func New(client llm.Client, rewards *reward.Aggregator, logger utils.Logger, opts ...Option) *Rewriter {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	rw := &Rewriter{
		client:   client,
		rewards:  rewards,
		logger:   logger,
		patterns: NewPatternLibrary(),
		validate: validator.New(),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(rw)
	}
	if enc, err := tiktoken.GetEncoding(tokenEncoding); err == nil {
		rw.encoder = enc
	} else {
		logger.Warn("token encoding unavailable, using character estimate", "error", err)
	}
	return rw
}

// Rewrite produces at least one candidate for the context, starting at
// the requested tier and walking the downgrade chain on failure. Only a
// cancelled context can make it return an error, since the cached tier
// cannot fail.
func (r *Rewriter) Rewrite(ctx context.Context, rc types.RewriteContext, mode Mode) ([]types.RewriteCandidate, error) {
	if !mode.IsValid() {
		mode = ModeCached
	}

	current := mode
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, err := r.attempt(ctx, rc, current)
		if err == nil && len(candidates) > 0 {
			for i := range candidates {
				candidates[i].Mode = string(current)
			}
			return candidates, nil
		}

		next, ok := downgrade(current)
		if !ok {
			return nil, fmt.Errorf("rewrite failed at tier %s: %w", current, err)
		}
		r.logger.Warn("rewrite tier failed, downgrading", "from", current, "to", next, "error", err)
		current = next
	}
}

func (r *Rewriter) attempt(ctx context.Context, rc types.RewriteContext, mode Mode) ([]types.RewriteCandidate, error) {
	switch mode {
	case ModeCached:
		return []types.RewriteCandidate{r.cached(rc)}, nil
	case ModeSingleShot:
		return r.singleShot(ctx, rc)
	case ModeMiniOPRO:
		return r.miniOPRO(ctx, rc)
	case ModeConservative, ModeExploratory, ModeHybrid:
		return r.legacy(ctx, rc, mode)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// cached is the floor of the degradation chain: pattern library first,
// rule-based augmentation otherwise. It never fails.
func (r *Rewriter) cached(rc types.RewriteContext) types.RewriteCandidate {
	if p, ok := r.patterns.Match(rc); ok {
		return types.RewriteCandidate{
			Content:    appendClause(rc.CurrentPrompt, p.Clause),
			Confidence: p.Confidence,
			Reasoning:  fmt.Sprintf("cached pattern fired on %q", p.Trigger),
		}
	}

	issue := r.primaryIssue(rc)
	return types.RewriteCandidate{
		Content:    appendClause(rc.CurrentPrompt, augmentations[issue]),
		Confidence: 0.4,
		Reasoning:  fmt.Sprintf("rule-based augmentation for primary issue %q", issue),
	}
}

func appendClause(prompt, clause string) string {
	return strings.TrimRight(prompt, " \n") + "\n" + clause
}

// primaryIssue reduces the feedback batch to the single problem a
// focused rewrite should target. Reject-heavy batches read as a clarity
// or tone problem, edit-heavy as missing specificity, and a weak recent
// performance trend as insufficient guidance in the prompt itself.
func (r *Rewriter) primaryIssue(rc types.RewriteContext) string {
	total := len(rc.RecentFeedback)
	if total > 0 {
		rejects, edits := 0, 0
		for _, fb := range rc.RecentFeedback {
			switch fb.Action {
			case types.ActionReject:
				rejects++
			case types.ActionEdit:
				edits++
			}
		}
		if float64(rejects)/float64(total) > rejectRateThreshold {
			return issueClarity
		}
		if float64(edits)/float64(total) > editRateThreshold {
			return issueSpecificity
		}
	}

	if n := len(rc.PerformanceHistory); n > 0 {
		recent := rc.PerformanceHistory
		if n > 3 {
			recent = recent[n-3:]
		}
		sum := 0.0
		for _, s := range recent {
			sum += s
		}
		if sum/float64(len(recent)) < lowPerformanceThreshold {
			return issueGuidance
		}
	}

	return issueGeneral
}

var issueInstructions = map[string]string{
	issueClarity:     "Drafts are being rejected: the prompt produces unclear or inappropriate replies. Rewrite it so drafts are unambiguous and match the expected tone.",
	issueSpecificity: "Drafts are being heavily edited: they lack specificity. Rewrite the prompt so drafts reference concrete details from the incoming email.",
	issueGuidance:    "Draft quality is low across the board: the prompt gives insufficient guidance. Rewrite it with explicit steps for analyzing and answering the email.",
	issueGeneral:     "Refine the prompt for generally better drafts while preserving its intent.",
}

// singleShot makes one focused LLM call targeting the primary issue.
func (r *Rewriter) singleShot(ctx context.Context, rc types.RewriteContext) ([]types.RewriteCandidate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	issue := r.primaryIssue(rc)
	prompt := fmt.Sprintf(`You improve system prompts for an email-drafting assistant.

Current system prompt:
%s

%s
%s
Respond with ONLY the rewritten system prompt text. No preamble, no explanation.`,
		rc.CurrentPrompt, issueInstructions[issue], r.constraintLines(rc))

	const temp = 0.7
	response, err := r.client.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: temp,
		MaxTokens:   800,
	})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(response)
	if content == "" {
		return nil, fmt.Errorf("single-shot rewrite returned empty prompt")
	}

	return []types.RewriteCandidate{{
		Content:     content,
		Confidence:  0.6,
		Temperature: temp,
		Reasoning:   fmt.Sprintf("single-shot rewrite targeting %s", issue),
	}}, nil
}

func (r *Rewriter) constraintLines(rc types.RewriteContext) string {
	var b strings.Builder
	if len(rc.FocusAreas) > 0 {
		fmt.Fprintf(&b, "Focus areas the users rated poorly: %s.\n", strings.Join(rc.FocusAreas, ", "))
	}
	for key, val := range rc.Constraints {
		fmt.Fprintf(&b, "Constraint - %s: %s.\n", key, val)
	}
	return b.String()
}

// truncateToTokens bounds text to the given token budget, falling back
// to a character estimate when no encoder is available.
func (r *Rewriter) truncateToTokens(text string, budget int) string {
	if r.encoder == nil {
		// ~4 characters per token.
		if limit := budget * 4; len(text) > limit {
			return text[:limit]
		}
		return text
	}
	tokens := r.encoder.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return r.encoder.Decode(tokens[:budget])
}
