package reward

import (
	"context"
	"math"
	"strings"

	"github.com/optimail/optimail/types"
)

// ExactMatchReward returns 1.0 iff the normalized texts are equal.
// Empty input on either side scores 0.0.
func ExactMatchReward(actual, expected string) float64 {
	a := strings.ToLower(strings.TrimSpace(actual))
	e := strings.ToLower(strings.TrimSpace(expected))
	if a == "" || e == "" {
		return 0.0
	}
	if a == e {
		return 1.0
	}
	return 0.0
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

// F1Reward computes the harmonic mean of precision and recall over
// whitespace-tokenized word sets. Two empty texts are a perfect vacuous
// match (1.0); exactly one empty text scores 0.0.
func F1Reward(actual, expected string) float64 {
	actualSet := wordSet(actual)
	expectedSet := wordSet(expected)

	if len(actualSet) == 0 && len(expectedSet) == 0 {
		return 1.0
	}
	if len(actualSet) == 0 || len(expectedSet) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range actualSet {
		if expectedSet[w] {
			intersection++
		}
	}
	if intersection == 0 {
		return 0.0
	}

	precision := float64(intersection) / float64(len(actualSet))
	recall := float64(intersection) / float64(len(expectedSet))
	return 2 * precision * recall / (precision + recall)
}

// LengthReward scores how appropriate the draft's word count is against
// an expected count. Within 0.8x-1.2x of the expectation is perfect;
// outside that band the reward decays linearly with the distance from
// the band edge, relative to the band edge, bottoming out at 0. A zero
// expectation means no length requirement and scores 1.0.
func LengthReward(actualWords, expectedWords int) float64 {
	if expectedWords <= 0 {
		return 1.0
	}
	lower := 0.8 * float64(expectedWords)
	upper := 1.2 * float64(expectedWords)
	actual := float64(actualWords)

	switch {
	case actual >= lower && actual <= upper:
		return 1.0
	case actual > upper:
		return math.Max(0, 1-(actual-upper)/upper)
	default:
		return math.Max(0, 1-(lower-actual)/lower)
	}
}

// HumanFeedbackReward maps a feedback action to a base reward and adds a
// bonus of up to FactorBonusCap proportional to the fraction of liked
// reasoning-factor ratings. Missing feedback is neutral. The total may
// exceed 1.0, capped at MaxHumanFeedbackReward.
func HumanFeedbackReward(fb *types.EvaluationFeedbackProxy) float64 {
	if fb == nil {
		return NeutralReward
	}

	var base float64
	switch fb.Action {
	case types.ActionAccept:
		base = acceptReward
	case types.ActionEdit:
		base = editReward
	case types.ActionIgnore:
		base = ignoreReward
	case types.ActionReject:
		base = rejectReward
	default:
		return NeutralReward
	}

	if len(fb.FactorRatings) > 0 {
		liked := 0
		for _, rating := range fb.FactorRatings {
			if types.FactorLiked(rating) {
				liked++
			}
		}
		base += FactorBonusCap * float64(liked) / float64(len(fb.FactorRatings))
	}

	return math.Min(base, MaxHumanFeedbackReward)
}

// PerplexityReward maps the average negative log-probability of the text
// into [0,1]: perplexity = exp(avg negative logprob), reward =
// clamp(1 - perplexity/100, 0, 1). Provider failure or empty text falls
// back to the neutral reward.
func PerplexityReward(ctx context.Context, scorer LogProbScorer, text string) float64 {
	if scorer == nil || strings.TrimSpace(text) == "" {
		return NeutralReward
	}
	logProbs, err := scorer.LogProbabilities(ctx, text, "")
	if err != nil || len(logProbs) == 0 {
		return NeutralReward
	}

	var sum float64
	for _, lp := range logProbs {
		sum += -lp
	}
	perplexity := math.Exp(sum / float64(len(logProbs)))
	return clamp01(1 - perplexity/PerplexityScale)
}

// SemanticReward is an extension point for an embedding-based similarity
// component. Without an embedding backend it contributes nothing.
func SemanticReward(actual, expected string) float64 {
	return 0.0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
