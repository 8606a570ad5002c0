package reward

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

type stubScorer struct {
	probs []float64
	err   error
}

func (s *stubScorer) LogProbabilities(context.Context, string, string) ([]float64, error) {
	return s.probs, s.err
}

func TestF1Reward(t *testing.T) {
	t.Run("symmetry", func(t *testing.T) {
		pairs := [][2]string{
			{"the quick brown fox", "a quick red fox"},
			{"hello world", "world hello again"},
			{"alpha beta", "gamma delta"},
		}
		for _, p := range pairs {
			assert.InDelta(t, F1Reward(p[0], p[1]), F1Reward(p[1], p[0]), 1e-9)
		}
	})

	t.Run("both empty is vacuous match", func(t *testing.T) {
		assert.Equal(t, 1.0, F1Reward("", ""))
	})

	t.Run("exactly one empty", func(t *testing.T) {
		assert.Equal(t, 0.0, F1Reward("", "something"))
		assert.Equal(t, 0.0, F1Reward("something", ""))
	})

	t.Run("identical sets", func(t *testing.T) {
		assert.InDelta(t, 1.0, F1Reward("one two three", "three two one"), 1e-9)
	})

	t.Run("partial overlap", func(t *testing.T) {
		// actual {a b}, expected {a c}: precision 1/2, recall 1/2, f1 1/2.
		assert.InDelta(t, 0.5, F1Reward("a b", "a c"), 1e-9)
	})
}

func TestExactMatchReward(t *testing.T) {
	assert.Equal(t, 1.0, ExactMatchReward("  Hello World ", "hello world"))
	assert.Equal(t, 0.0, ExactMatchReward("hello", "goodbye"))
	assert.Equal(t, 0.0, ExactMatchReward("", "expected"))
	assert.Equal(t, 0.0, ExactMatchReward("actual", ""))
}

func TestLengthReward(t *testing.T) {
	t.Run("perfect band", func(t *testing.T) {
		assert.Equal(t, 1.0, LengthReward(100, 100))
		assert.Equal(t, 1.0, LengthReward(80, 100))
		assert.Equal(t, 1.0, LengthReward(120, 100))
	})

	t.Run("linear decay above band", func(t *testing.T) {
		want := math.Max(0, 1-(250.0-120.0)/120.0)
		assert.InDelta(t, want, LengthReward(250, 100), 1e-9)
	})

	t.Run("linear decay below band", func(t *testing.T) {
		want := math.Max(0, 1-(80.0-40.0)/80.0)
		assert.InDelta(t, want, LengthReward(40, 100), 1e-9)
	})

	t.Run("no expectation means no requirement", func(t *testing.T) {
		assert.Equal(t, 1.0, LengthReward(500, 0))
	})
}

func TestHumanFeedbackReward(t *testing.T) {
	t.Run("action base rewards", func(t *testing.T) {
		cases := map[types.FeedbackAction]float64{
			types.ActionAccept: 1.0,
			types.ActionEdit:   0.6,
			types.ActionIgnore: 0.3,
			types.ActionReject: 0.0,
		}
		for action, want := range cases {
			got := HumanFeedbackReward(&types.EvaluationFeedbackProxy{Action: action})
			assert.InDelta(t, want, got, 1e-9, "action %s", action)
		}
	})

	t.Run("missing feedback is neutral", func(t *testing.T) {
		assert.Equal(t, NeutralReward, HumanFeedbackReward(nil))
	})

	t.Run("liked factor bonus", func(t *testing.T) {
		fb := &types.EvaluationFeedbackProxy{
			Action:        types.ActionEdit,
			FactorRatings: map[string]int{"tone": 5, "clarity": 4, "length": 2, "structure": 1},
		}
		// 2 of 4 liked: 0.6 + 0.2*0.5 = 0.7.
		assert.InDelta(t, 0.7, HumanFeedbackReward(fb), 1e-9)
	})

	t.Run("capped at 1.2", func(t *testing.T) {
		fb := &types.EvaluationFeedbackProxy{
			Action:        types.ActionAccept,
			FactorRatings: map[string]int{"tone": 5, "clarity": 5},
		}
		assert.InDelta(t, MaxHumanFeedbackReward, HumanFeedbackReward(fb), 1e-9)
	})
}

func TestPerplexityReward(t *testing.T) {
	ctx := context.Background()

	t.Run("low perplexity scores high", func(t *testing.T) {
		// avg neg logprob 0.1 -> perplexity ~1.105 -> reward ~0.989.
		scorer := &stubScorer{probs: []float64{-0.1, -0.1, -0.1}}
		got := PerplexityReward(ctx, scorer, "some text")
		assert.InDelta(t, 1-math.Exp(0.1)/100, got, 1e-9)
	})

	t.Run("provider failure falls back to neutral", func(t *testing.T) {
		scorer := &stubScorer{err: errors.New("provider down")}
		assert.Equal(t, NeutralReward, PerplexityReward(ctx, scorer, "some text"))
	})

	t.Run("nil scorer is neutral", func(t *testing.T) {
		assert.Equal(t, NeutralReward, PerplexityReward(ctx, nil, "some text"))
	})

	t.Run("huge perplexity clamps to zero", func(t *testing.T) {
		scorer := &stubScorer{probs: []float64{-10, -10}}
		assert.Equal(t, 0.0, PerplexityReward(ctx, scorer, "some text"))
	})
}

func TestAggregatorCompute(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregate clamped to unit interval", func(t *testing.T) {
		agg := NewAggregator(&stubScorer{probs: []float64{-0.01}}, utils.NewNopLogger())
		// Human feedback alone would score 1.2; the aggregate must not
		// leave [0,1].
		sig := Signal{
			Actual:   "hello world",
			Expected: "hello world",
			Feedback: &types.EvaluationFeedbackProxy{
				Action:        types.ActionAccept,
				FactorRatings: map[string]int{"tone": 5, "clarity": 5},
			},
		}
		got := agg.Compute(ctx, sig)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	})

	t.Run("empty signal is safe", func(t *testing.T) {
		agg := NewAggregator(nil, utils.NewNopLogger())
		got := agg.Compute(ctx, Signal{})
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	})

	t.Run("scenario weights override defaults", func(t *testing.T) {
		agg := NewAggregator(nil, utils.NewNopLogger())
		agg.RegisterWeights(types.ScenarioUrgent, Weights{HumanFeedback: 1.0})

		sig := Signal{
			Scenario: types.ScenarioUrgent,
			Feedback: &types.EvaluationFeedbackProxy{Action: types.ActionAccept},
		}
		// Only the human-feedback component contributes under the override.
		assert.InDelta(t, 1.0, agg.Compute(ctx, sig), 1e-9)

		sig.Scenario = types.ScenarioCasual
		defaultScore := agg.Compute(ctx, sig)
		assert.Less(t, defaultScore, 1.0)
	})

	t.Run("f1 hint used when no golden output", func(t *testing.T) {
		agg := NewAggregator(nil, utils.NewNopLogger())
		sig := Signal{
			Actual:          "a drafted reply",
			TaskPerformance: map[string]float64{"f1_score": 0.9},
		}
		components := agg.Components(ctx, sig)
		assert.InDelta(t, 0.9, components["f1"], 1e-9)
	})
}
