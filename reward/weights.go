// Package reward turns the heterogeneous quality signals for one drafted
// email into a single scalar reward. Components are computed
// independently, each robust to missing data, then combined as a
// weighted sum and clamped to [0,1].
package reward

// Weights controls the contribution of each reward component. Scenario
// overrides are applied as-is and are not re-normalized.
type Weights struct {
	ExactMatch    float64
	F1            float64
	Perplexity    float64
	HumanFeedback float64
	Length        float64
	Semantic      float64
}

// DefaultWeights returns the stock component weights. They sum to 1.0.
func DefaultWeights() Weights {
	return Weights{
		ExactMatch:    0.1,
		F1:            0.3,
		Perplexity:    0.2,
		HumanFeedback: 0.3,
		Length:        0.05,
		Semantic:      0.05,
	}
}

// Reward value bounds and defaults.
const (
	// NeutralReward is returned when a signal is missing or a component
	// fails; it neither rewards nor punishes.
	NeutralReward = 0.5

	// MaxHumanFeedbackReward deliberately exceeds 1.0 so strong positive
	// human signal can dominate ties. The aggregate is clamped to 1.0
	// after weighting, so the excess only matters relative to other
	// components, never in the final scale.
	MaxHumanFeedbackReward = 1.2

	// FactorBonusCap bounds the liked-factor bonus added on top of the
	// action base reward.
	FactorBonusCap = 0.2

	// PerplexityScale divides raw perplexity when mapping it into [0,1].
	PerplexityScale = 100.0
)

// Base rewards per feedback action.
const (
	acceptReward = 1.0
	editReward   = 0.6
	ignoreReward = 0.3
	rejectReward = 0.0
)
