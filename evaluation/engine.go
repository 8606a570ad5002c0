// Package evaluation scores prompts against offline test-case batches
// and performs pairwise baseline-vs-candidate comparison.
package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/reward"
	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

const (
	// EvalTemperature is used for every offline generation so evaluation
	// variance reflects the prompt, not sampling extremes.
	EvalTemperature = 0.7

	// EvalMaxTokens bounds each generated draft.
	EvalMaxTokens = 512

	// sampleOutputLimit caps the raw outputs retained on a result.
	sampleOutputLimit = 3
)

// Result aggregates a prompt's evaluation over a test-case batch.
type Result struct {
	PromptText       string
	PerformanceScore float64
	Metrics          map[string]MetricStats
	SampleOutputs    []string
	Cases            int
	Errors           int
	ErrorRate        float64
}

// MetricStats is the per-metric mean and standard deviation across the
// batch's successful cases.
type MetricStats struct {
	Mean   float64
	StdDev float64
}

// Engine evaluates prompts using the reward aggregator for scoring.
type Engine struct {
	client  llm.Client
	rewards *reward.Aggregator
	logger  utils.Logger
}

func NewEngine(client llm.Client, rewards *reward.Aggregator, logger utils.Logger) *Engine {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Engine{client: client, rewards: rewards, logger: logger}
}

// renderCase builds the user-facing prompt for one test case. The prompt
// under evaluation rides along as the system prompt.
func renderCase(tc types.TestCase) string {
	var b strings.Builder
	if tc.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n\n", tc.Subject)
	}
	fmt.Fprintf(&b, "Incoming email:\n%s\n\nDraft a reply.", tc.EmailContent)
	return b.String()
}

// idealWordRange returns the scenario-specific word-count band a good
// draft should land in.
func idealWordRange(scenario types.EmailScenario) (low, high int) {
	switch scenario {
	case types.ScenarioProfessional:
		return 50, 200
	case types.ScenarioCasual:
		return 20, 150
	case types.ScenarioTechnical:
		return 100, 300
	case types.ScenarioUrgent:
		return 10, 100
	default:
		return 50, 200
	}
}

// lengthAppropriateness scores a draft's word count against the
// scenario's ideal band: 1.0 inside the band, decaying linearly with the
// relative distance from the nearer edge outside it.
func lengthAppropriateness(output string, scenario types.EmailScenario) float64 {
	low, high := idealWordRange(scenario)
	words := len(strings.Fields(output))
	switch {
	case words >= low && words <= high:
		return 1.0
	case words < low:
		if low == 0 {
			return 1.0
		}
		v := float64(words) / float64(low)
		return max(0, v)
	default:
		v := 1 - float64(words-high)/float64(high)
		return max(0, v)
	}
}

// textQuality is the perplexity-derived auxiliary score, with the same
// neutral fallback as the reward component.
func (e *Engine) textQuality(ctx context.Context, output string) float64 {
	return reward.PerplexityReward(ctx, e.client, output)
}

// Evaluate runs the prompt over every test case and aggregates scores.
// Individual case failures are skipped and counted; the batch only fails
// when every case errored, since then there is nothing to aggregate.
func (e *Engine) Evaluate(ctx context.Context, promptText string, cases []types.TestCase) (*Result, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("no test cases to evaluate")
	}

	perMetric := make(map[string][]float64)
	var samples []string
	errorCount := 0

	for _, tc := range cases {
		output, err := e.client.Generate(ctx, llm.GenerateRequest{
			Prompt:       renderCase(tc),
			SystemPrompt: promptText,
			Temperature:  EvalTemperature,
			MaxTokens:    EvalMaxTokens,
		})
		if err != nil {
			errorCount++
			e.logger.Warn("test case evaluation failed, skipping", "case", tc.ID, "error", err)
			continue
		}

		overall := e.rewards.Compute(ctx, reward.Signal{
			RewrittenPrompt: promptText,
			Actual:          output,
			Expected:        tc.ExpectedOutput,
			Feedback:        types.AcceptProxy(),
			TaskPerformance: tc.ExpectedQualities,
			Scenario:        tc.Scenario,
			ExpectedLength:  tc.ExpectedLength,
		})

		perMetric["overall_score"] = append(perMetric["overall_score"], overall)
		perMetric["text_quality"] = append(perMetric["text_quality"], e.textQuality(ctx, output))
		perMetric["length_appropriateness"] = append(perMetric["length_appropriateness"], lengthAppropriateness(output, tc.Scenario))

		if len(samples) < sampleOutputLimit {
			samples = append(samples, output)
		}
	}

	if errorCount == len(cases) {
		return nil, fmt.Errorf("all %d test cases failed", len(cases))
	}

	metrics := make(map[string]MetricStats, len(perMetric))
	for key, values := range perMetric {
		mean, _ := stats.Mean(values)
		stdDev, _ := stats.StandardDeviation(values)
		metrics[key] = MetricStats{Mean: mean, StdDev: stdDev}
	}

	score := metrics["overall_score"].Mean
	e.logger.Debug("prompt evaluated", "cases", len(cases), "errors", errorCount, "score", score)

	return &Result{
		PromptText:       promptText,
		PerformanceScore: score,
		Metrics:          metrics,
		SampleOutputs:    samples,
		Cases:            len(cases),
		Errors:           errorCount,
		ErrorRate:        float64(errorCount) / float64(len(cases)),
	}, nil
}
