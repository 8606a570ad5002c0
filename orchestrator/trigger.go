package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/optimail/optimail/config"
	"github.com/optimail/optimail/types"
)

// TriggerConfig is the pure configuration behind the optimization
// trigger. It has no behavior of its own; the orchestrator holds one
// instance and consults it at every gate.
type TriggerConfig struct {
	MinFeedbackCount int           `json:"min_feedback_count"`
	MinNegativeRatio float64       `json:"min_negative_ratio"`
	FeedbackWindow   time.Duration `json:"feedback_window"`
	Cooldown         time.Duration `json:"cooldown"`
	MaxPerDay        int           `json:"max_per_day"`
}

// TriggerConfigFrom extracts the trigger tunables from the engine config.
func TriggerConfigFrom(cfg *config.Config) TriggerConfig {
	return TriggerConfig{
		MinFeedbackCount: cfg.MinFeedbackCount,
		MinNegativeRatio: cfg.MinNegativeRatio,
		FeedbackWindow:   cfg.FeedbackWindow,
		Cooldown:         cfg.OptimizationCooldown,
		MaxPerDay:        cfg.MaxOptimizationsPerDay,
	}
}

const (
	// neutralRating is assumed when a batch carries no factor ratings
	// at all, so rating-based triggers stay quiet on unrated feedback.
	neutralRating = 3.0

	// lowRatingThreshold fires the trigger on poor average ratings.
	lowRatingThreshold = 2.5

	// consistentIssueShare is the fraction of a batch that must rate a
	// single factor below 3 before that factor counts as a consistent
	// issue.
	consistentIssueShare = 0.4

	// factorFocusThreshold marks a factor as a rewrite focus area.
	factorFocusThreshold = 3.0

	// successfulPromptScore qualifies a prior version as worth showing
	// the rewriter as a known-good example.
	successfulPromptScore = 0.7

	emergencyNegativeRatio   = 0.6
	emergencyRatingThreshold = 2.0
	batchFeedbackCount       = 20
	continuousFeedbackCount  = 10

	// historyDepth bounds how many prior versions feed the rewrite
	// trajectory.
	historyDepth = 10
)

// triggerAnalysis is the point-in-time snapshot taken at trigger time.
// The batch is queried exactly once; feedback arriving mid-cycle waits
// for the next cycle.
type triggerAnalysis struct {
	Triggered      bool
	Reason         string
	LabID          string
	Batch          []types.UserFeedback
	NegativeRatio  float64
	AverageRating  float64
	FactorAverages map[string]float64
}

// analyzeTrigger pulls the feedback window and decides whether it
// carries enough negative signal to justify an optimization pass.
func (o *Orchestrator) analyzeTrigger(ctx context.Context, now time.Time) (*triggerAnalysis, error) {
	batch, err := o.feedback.Since(ctx, now.Add(-o.cfg.FeedbackWindow))
	if err != nil {
		return nil, fmt.Errorf("querying feedback window: %w", err)
	}

	a := summarize(batch)
	if len(batch) < o.cfg.MinFeedbackCount {
		a.Reason = fmt.Sprintf("insufficient feedback: %d of %d required", len(batch), o.cfg.MinFeedbackCount)
		return a, nil
	}

	switch {
	case a.NegativeRatio >= o.cfg.MinNegativeRatio:
		a.Triggered = true
		a.Reason = fmt.Sprintf("negative feedback ratio %.0f%% at or above %.0f%%",
			a.NegativeRatio*100, o.cfg.MinNegativeRatio*100)
	case a.AverageRating < lowRatingThreshold:
		a.Triggered = true
		a.Reason = fmt.Sprintf("average factor rating %.1f below %.1f", a.AverageRating, lowRatingThreshold)
	default:
		if factor, share := consistentIssue(batch); factor != "" {
			a.Triggered = true
			a.Reason = fmt.Sprintf("consistent issues with %s: rated below 3 in %.0f%% of recent feedback",
				factor, share*100)
		} else {
			a.Reason = "feedback within acceptable thresholds"
		}
	}
	return a, nil
}

// summarize condenses a feedback batch into the aggregates the trigger
// and the rewrite context both need.
func summarize(batch []types.UserFeedback) *triggerAnalysis {
	a := &triggerAnalysis{
		Batch:          batch,
		AverageRating:  neutralRating,
		FactorAverages: make(map[string]float64),
		LabID:          majorityLab(batch),
	}
	if len(batch) == 0 {
		return a
	}

	negatives := 0
	var allRatings []float64
	perFactor := make(map[string][]float64)
	for _, fb := range batch {
		if fb.IsNegative() {
			negatives++
		}
		for factor, rating := range fb.FactorRatings {
			allRatings = append(allRatings, float64(rating))
			perFactor[factor] = append(perFactor[factor], float64(rating))
		}
	}

	a.NegativeRatio = float64(negatives) / float64(len(batch))
	if len(allRatings) > 0 {
		a.AverageRating, _ = stats.Mean(allRatings)
	}
	for factor, ratings := range perFactor {
		a.FactorAverages[factor], _ = stats.Mean(ratings)
	}
	return a
}

// consistentIssue returns the factor most consistently rated below 3,
// if any factor crosses the share threshold.
func consistentIssue(batch []types.UserFeedback) (string, float64) {
	if len(batch) == 0 {
		return "", 0
	}
	low := make(map[string]int)
	for _, fb := range batch {
		for factor, rating := range fb.FactorRatings {
			if rating < 3 {
				low[factor]++
			}
		}
	}

	worst, worstShare := "", 0.0
	for factor, n := range low {
		share := float64(n) / float64(len(batch))
		if share >= consistentIssueShare && (share > worstShare || (share == worstShare && factor < worst)) {
			worst, worstShare = factor, share
		}
	}
	return worst, worstShare
}

// majorityLab resolves the lab the batch belongs to by majority vote.
func majorityLab(batch []types.UserFeedback) string {
	counts := make(map[string]int)
	for _, fb := range batch {
		counts[fb.LabID]++
	}
	best, bestN := "", 0
	for lab, n := range counts {
		if n > bestN || (n == bestN && lab < best) {
			best, bestN = lab, n
		}
	}
	return best
}

// majorityScenario picks the dominant scenario among the batch's source
// emails.
func majorityScenario(batch []types.UserFeedback) types.EmailScenario {
	counts := make(map[types.EmailScenario]int)
	for _, fb := range batch {
		if fb.Scenario != "" {
			counts[fb.Scenario]++
		}
	}
	best, bestN := types.ScenarioProfessional, 0
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}

// factorConstraints maps a poorly rated factor to an explicit drafting
// constraint handed to the rewriter.
var factorConstraints = map[string]string{
	"length":  "keep the draft length close to what the scenario expects",
	"tone":    "match the tone the recipient expects",
	"clarity": "state the main point in the first sentence",
}

// buildRewriteContext assembles everything the rewriter needs from the
// triggering batch and the lab's version history.
func (o *Orchestrator) buildRewriteContext(ctx context.Context, a *triggerAnalysis, baseline *types.SystemPrompt) (types.RewriteContext, error) {
	rc := types.RewriteContext{
		CurrentPrompt:  baseline.Content,
		RecentFeedback: a.Batch,
		FactorAverages: a.FactorAverages,
		Scenario:       majorityScenario(a.Batch),
		Constraints:    make(map[string]string),
	}

	for factor, avg := range a.FactorAverages {
		if avg < factorFocusThreshold {
			rc.FocusAreas = append(rc.FocusAreas, factor)
			if constraint, ok := factorConstraints[factor]; ok {
				rc.Constraints[factor] = constraint
			}
		}
	}
	sort.Strings(rc.FocusAreas)

	history, err := o.prompts.VersionScores(ctx, a.LabID, historyDepth)
	if err != nil {
		return rc, fmt.Errorf("loading version scores: %w", err)
	}
	rc.PerformanceHistory = history

	versions, err := o.prompts.Versions(ctx, a.LabID, historyDepth)
	if err != nil {
		return rc, fmt.Errorf("loading version history: %w", err)
	}
	for _, v := range versions {
		if v.PerformanceScore == nil {
			continue
		}
		rc.PriorAttempts = append(rc.PriorAttempts, types.PriorAttempt{
			Prompt: v.Content,
			Score:  *v.PerformanceScore,
		})
		if *v.PerformanceScore >= successfulPromptScore {
			rc.SuccessfulPrompts = append(rc.SuccessfulPrompts, v.Content)
		}
	}
	return rc, nil
}
