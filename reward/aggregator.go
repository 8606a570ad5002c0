package reward

import (
	"context"
	"strings"
	"sync"

	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

// LogProbScorer is the slice of the LLM capability the aggregator needs
// for the perplexity component.
type LogProbScorer interface {
	LogProbabilities(ctx context.Context, text, context string) ([]float64, error)
}

// Signal carries everything known about one drafted output: the text
// produced, what was expected, any human judgment, and task-performance
// hints from the test case. Every field is optional; missing signals
// fall back to their documented neutral defaults.
type Signal struct {
	OriginalPrompt  string
	RewrittenPrompt string
	Actual          string
	Expected        string
	Feedback        *types.EvaluationFeedbackProxy
	TaskPerformance map[string]float64
	Scenario        types.EmailScenario
	ExpectedLength  int
}

// Aggregator combines component rewards into one scalar using
// per-scenario configurable weights.
type Aggregator struct {
	scorer LogProbScorer
	logger utils.Logger

	mu              sync.RWMutex
	scenarioWeights map[types.EmailScenario]Weights
	defaults        Weights
}

// NewAggregator creates an aggregator with the default weights. The
// scorer may be nil, in which case the perplexity component is neutral.
func NewAggregator(scorer LogProbScorer, logger utils.Logger) *Aggregator {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Aggregator{
		scorer:          scorer,
		logger:          logger,
		scenarioWeights: make(map[types.EmailScenario]Weights),
		defaults:        DefaultWeights(),
	}
}

// RegisterWeights installs a scenario-specific weight set. Overrides are
// used as-is; they are not re-normalized.
func (a *Aggregator) RegisterWeights(scenario types.EmailScenario, w Weights) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scenarioWeights[scenario] = w
}

// WeightsFor returns the weights in effect for a scenario.
func (a *Aggregator) WeightsFor(scenario types.EmailScenario) Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.scenarioWeights[scenario]; ok {
		return w
	}
	return a.defaults
}

// Compute returns the aggregate reward in [0,1]. Individual components
// may exceed 1.0 (human feedback caps at 1.2); the clamp is applied
// last, after weighting, so strong human signal still dominates ties.
// Any internal failure yields the neutral reward rather than an error.
func (a *Aggregator) Compute(ctx context.Context, sig Signal) (result float64) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("reward computation panicked, returning neutral", "panic", r)
			result = NeutralReward
		}
	}()

	components := a.Components(ctx, sig)
	w := a.WeightsFor(sig.Scenario)

	total := w.ExactMatch*components["exact_match"] +
		w.F1*components["f1"] +
		w.Perplexity*components["perplexity"] +
		w.HumanFeedback*components["human_feedback"] +
		w.Length*components["length"] +
		w.Semantic*components["semantic"]

	return clamp01(total)
}

// Components computes every component reward independently. Exposed so
// the evaluation engine can report per-component breakdowns.
func (a *Aggregator) Components(ctx context.Context, sig Signal) map[string]float64 {
	f1 := F1Reward(sig.Actual, sig.Expected)
	if sig.Expected == "" {
		// Offline cases without a golden output may still carry an
		// expected-quality hint from the test case.
		if hint, ok := sig.TaskPerformance["f1_score"]; ok {
			f1 = clamp01(hint)
		}
	}

	expectedLen := sig.ExpectedLength
	if expectedLen == 0 && sig.Expected != "" {
		expectedLen = len(strings.Fields(sig.Expected))
	}

	return map[string]float64{
		"exact_match":    ExactMatchReward(sig.Actual, sig.Expected),
		"f1":             f1,
		"perplexity":     PerplexityReward(ctx, a.scorer, sig.Actual),
		"human_feedback": HumanFeedbackReward(sig.Feedback),
		"length":         LengthReward(len(strings.Fields(sig.Actual)), expectedLen),
		"semantic":       SemanticReward(sig.Actual, sig.Expected),
	}
}
