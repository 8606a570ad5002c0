// Package convergence decides whether further prompt optimization for a
// lab is worth the cost, and produces actionable recommendations when it
// is not (or not yet).
package convergence

import (
	"context"
	"fmt"
	"sync"

	"github.com/montanaflynn/stats"

	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

const (
	// MaxIterationsHardLimit unconditionally stops optimization.
	MaxIterationsHardLimit = 20

	// MinimumIterations and MinimumFeedbackCount are prerequisites for
	// the soft convergence path; below them convergence is never
	// declared, whatever the other factors say.
	MinimumIterations    = 3
	MinimumFeedbackCount = 10

	// PerformanceWindowSize is how many scored versions the plateau
	// check needs.
	PerformanceWindowSize = 5

	// FeedbackStabilityWindow is how many recent feedback items the
	// stability check needs.
	FeedbackStabilityWindow = 15

	dominantActionShare = 0.8
	stableAcceptRate    = 0.7

	// minForceConfidence is the assessment confidence required before
	// ForceConvergence is honored without an explicit override.
	minForceConfidence = 0.5
)

// Factor names reported in Assessment.Factors.
const (
	FactorPlateau     = "performance_plateau"
	FactorStability   = "feedback_stability"
	FactorConfidence  = "confidence_convergence"
	FactorSufficiency = "data_sufficiency"
)

// BudgetChecker is the external compute-budget collaborator. A stop
// signal converges the lab at high confidence regardless of trend.
type BudgetChecker interface {
	ShouldStop(ctx context.Context, labID string) (bool, error)
}

// Recommendation is one actionable item for the operator steering
// optimization, ordered by priority.
type Recommendation struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

// Assessment is the outcome of one convergence check. It is derived
// state, recomputed on demand from prompt history and feedback counts.
type Assessment struct {
	Converged       bool             `json:"converged"`
	Confidence      float64          `json:"confidence_score"`
	Reason          string           `json:"reason"`
	Factors         map[string]bool  `json:"factors"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Detector assesses convergence from persisted history.
type Detector struct {
	prompts  store.PromptStore
	feedback store.FeedbackStore
	runs     store.RunStore
	budget   BudgetChecker
	logger   utils.Logger

	mu             sync.Mutex
	lastConfidence map[string]float64
	forced         map[string]bool
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithBudgetChecker installs the compute-budget collaborator.
func WithBudgetChecker(b BudgetChecker) DetectorOption {
	return func(d *Detector) { d.budget = b }
}

func NewDetector(prompts store.PromptStore, feedback store.FeedbackStore, runs store.RunStore, logger utils.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	d := &Detector{
		prompts:        prompts,
		feedback:       feedback,
		runs:           runs,
		logger:         logger,
		lastConfidence: make(map[string]float64),
		forced:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// progressiveThreshold tightens the plateau bar as iterations grow:
// cheap early iterations tolerate noisy scores, late ones demand near
// stillness before calling it a plateau.
func progressiveThreshold(iterations int) float64 {
	switch {
	case iterations < 5:
		return 0.10
	case iterations < 10:
		return 0.05
	case iterations < 15:
		return 0.02
	default:
		return 0.01
	}
}

// DetectPerformancePlateau reports whether the last
// PerformanceWindowSize scored versions are flat: both the max-min range
// and the latest-minus-earliest improvement must fall below the
// progressive threshold for the iteration count.
func DetectPerformancePlateau(scores []float64, iterations int) bool {
	if len(scores) < PerformanceWindowSize {
		return false
	}
	window := scores[len(scores)-PerformanceWindowSize:]

	minScore, _ := stats.Min(window)
	maxScore, _ := stats.Max(window)
	scoreRange := maxScore - minScore
	improvement := window[len(window)-1] - window[0]

	threshold := progressiveThreshold(iterations)
	return scoreRange < threshold && improvement < threshold
}

// negativeTrend reports whether recent scores are heading down: either
// the last three scored versions strictly decreasing, or the most
// recent version dropping more than 5% from its predecessor.
func negativeTrend(scores []float64) bool {
	n := len(scores)
	if n >= 3 {
		a, b, c := scores[n-3], scores[n-2], scores[n-1]
		if a > b && b > c {
			return true
		}
	}
	if n >= 2 {
		prev, latest := scores[n-2], scores[n-1]
		if prev > 0 && (prev-latest)/prev > 0.05 {
			return true
		}
	}
	return false
}

// feedbackStable reports whether the recent feedback window shows a
// settled user: one dominant action at 80%+, or accepts at 70%+.
func feedbackStable(batch []types.UserFeedback) bool {
	if len(batch) < FeedbackStabilityWindow {
		return false
	}
	counts := make(map[types.FeedbackAction]int)
	for _, fb := range batch {
		counts[fb.Action]++
	}
	total := float64(len(batch))
	dominant := 0
	for _, c := range counts {
		if c > dominant {
			dominant = c
		}
	}
	if float64(dominant)/total >= dominantActionShare {
		return true
	}
	return float64(counts[types.ActionAccept])/total >= stableAcceptRate
}

// confidenceConverged is an extension point that would track whether
// per-candidate confidence estimates have stabilized across recent
// cycles. It is intentionally unimplemented and always returns false,
// which means the soft path alone can never declare full convergence.
func confidenceConverged() bool {
	return false
}

// Assess recomputes the lab's convergence state. Hard rules are checked
// in order and short-circuit; the soft path requires all three factors
// plus the iteration and feedback prerequisites.
func (d *Detector) Assess(ctx context.Context, labID string) (*Assessment, error) {
	d.mu.Lock()
	forced := d.forced[labID]
	d.mu.Unlock()
	if forced {
		return d.remember(labID, &Assessment{
			Converged:  true,
			Confidence: 1.0,
			Reason:     "convergence forced by operator",
			Factors:    map[string]bool{},
			Recommendations: []Recommendation{{
				Action:   "stop_optimization",
				Reason:   "convergence was forced manually",
				Priority: "high",
			}},
		}), nil
	}

	iterations, err := d.runs.CountForLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("counting optimization iterations: %w", err)
	}

	if iterations >= MaxIterationsHardLimit {
		return d.remember(labID, &Assessment{
			Converged:  true,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("hard iteration limit reached (%d)", MaxIterationsHardLimit),
			Factors:    map[string]bool{},
			Recommendations: []Recommendation{{
				Action:   "stop_optimization",
				Reason:   fmt.Sprintf("%d iterations is the hard ceiling; further optimization is disabled", MaxIterationsHardLimit),
				Priority: "high",
			}},
		}), nil
	}

	if d.budget != nil {
		stop, err := d.budget.ShouldStop(ctx, labID)
		if err != nil {
			d.logger.Warn("budget check failed, ignoring", "lab", labID, "error", err)
		} else if stop {
			return d.remember(labID, &Assessment{
				Converged:  true,
				Confidence: 0.95,
				Reason:     "compute budget exhausted",
				Factors:    map[string]bool{},
				Recommendations: []Recommendation{{
					Action:   "stop_optimization",
					Reason:   "the compute budget collaborator signaled stop",
					Priority: "high",
				}},
			}), nil
		}
	}

	scores, err := d.prompts.VersionScores(ctx, labID, PerformanceWindowSize)
	if err != nil {
		return nil, fmt.Errorf("loading version scores: %w", err)
	}

	if negativeTrend(scores) {
		return d.remember(labID, &Assessment{
			Converged:  true,
			Confidence: 0.9,
			Reason:     "performance is declining across recent versions",
			Factors:    map[string]bool{},
			Recommendations: []Recommendation{{
				Action:   "stop_optimization",
				Reason:   "declining performance: optimization may be harmful; review recent deployments before continuing",
				Priority: "critical",
			}},
		}), nil
	}

	recentFeedback, err := d.feedback.RecentForLab(ctx, labID, FeedbackStabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("loading recent feedback: %w", err)
	}
	totalFeedback, err := d.feedback.CountForLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("counting feedback: %w", err)
	}

	plateau := DetectPerformancePlateau(scores, iterations)
	stable := feedbackStable(recentFeedback)
	confConverged := confidenceConverged()
	prerequisitesMet := iterations >= MinimumIterations && totalFeedback >= MinimumFeedbackCount

	factors := map[string]bool{
		FactorPlateau:     plateau,
		FactorStability:   stable,
		FactorConfidence:  confConverged,
		FactorSufficiency: prerequisitesMet,
	}

	iterRatio := min(float64(iterations)/float64(2*MinimumIterations), 1.0)
	feedbackRatio := min(float64(totalFeedback)/float64(2*MinimumFeedbackCount), 1.0)
	dataSufficiency := (iterRatio + feedbackRatio) / 2

	confidence := 0.0
	if plateau {
		confidence += 0.3
	}
	if confConverged {
		confidence += 0.3
	}
	if stable {
		confidence += 0.25
	}
	confidence += 0.15 * dataSufficiency

	converged := plateau && stable && confConverged && prerequisitesMet

	assessment := &Assessment{
		Converged:  converged,
		Confidence: confidence,
		Factors:    factors,
	}
	if converged {
		assessment.Reason = "all convergence factors met"
		assessment.Recommendations = []Recommendation{{
			Action:   "stop_optimization",
			Reason:   fmt.Sprintf("converged at confidence %.2f; stopping saves roughly %d further optimization cycles of LLM cost", confidence, MaxIterationsHardLimit-iterations),
			Priority: "high",
		}}
	} else {
		assessment.Reason = "not converged"
		assessment.Recommendations = d.unmetRecommendations(plateau, stable, confConverged, iterations, totalFeedback, len(scores))
	}

	return d.remember(labID, assessment), nil
}

func (d *Detector) unmetRecommendations(plateau, stable, confConverged bool, iterations, totalFeedback, scoredVersions int) []Recommendation {
	var recs []Recommendation

	if iterations < MinimumIterations {
		recs = append(recs, Recommendation{
			Action:   "continue_optimization",
			Reason:   fmt.Sprintf("only %d of the minimum %d iterations have run", iterations, MinimumIterations),
			Priority: "high",
		})
	}
	if totalFeedback < MinimumFeedbackCount {
		recs = append(recs, Recommendation{
			Action:   "collect_feedback",
			Reason:   fmt.Sprintf("only %d of the minimum %d feedback items collected", totalFeedback, MinimumFeedbackCount),
			Priority: "high",
		})
	}
	if !plateau {
		recs = append(recs, Recommendation{
			Action:   "continue_optimization",
			Reason:   fmt.Sprintf("performance has not plateaued: need %d scored versions within %.0f%% of each other (have %d scored)", PerformanceWindowSize, progressiveThreshold(iterations)*100, scoredVersions),
			Priority: "medium",
		})
	}
	if !stable {
		recs = append(recs, Recommendation{
			Action:   "collect_feedback",
			Reason:   fmt.Sprintf("feedback is not yet stable: need %d recent items with a dominant action at %.0f%% or accepts at %.0f%%", FeedbackStabilityWindow, dominantActionShare*100, stableAcceptRate*100),
			Priority: "medium",
		})
	}
	if !confConverged {
		recs = append(recs, Recommendation{
			Action:   "continue_optimization",
			Reason:   "confidence convergence tracking is not implemented; this factor never passes",
			Priority: "low",
		})
	}
	return recs
}

func (d *Detector) remember(labID string, a *Assessment) *Assessment {
	d.mu.Lock()
	d.lastConfidence[labID] = a.Confidence
	d.mu.Unlock()
	return a
}

// ForceConvergence marks the lab converged. Without an explicit
// override it is only honored when the last assessment reached at least
// minForceConfidence.
func (d *Detector) ForceConvergence(labID string, override bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !override {
		last, ok := d.lastConfidence[labID]
		if !ok || last < minForceConfidence {
			return fmt.Errorf("refusing to force convergence: last confidence %.2f below %.2f and no override given", last, minForceConfidence)
		}
	}
	d.forced[labID] = true
	d.logger.Info("convergence forced", "lab", labID, "override", override)
	return nil
}

// ClearForced lifts a forced convergence, letting Assess derive state
// again.
func (d *Detector) ClearForced(labID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.forced, labID)
}
