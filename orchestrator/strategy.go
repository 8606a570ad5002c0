package orchestrator

import (
	"time"

	"github.com/optimail/optimail/rewriter"
)

// Strategy bounds one optimization cycle: which rewrite tier to start
// from, how long the rewriter may run, and how much measured improvement
// a candidate needs before it is worth deploying.
type Strategy struct {
	Name              string
	Mode              rewriter.Mode
	Timeout           time.Duration
	MinImprovementPct float64
}

var (
	// StrategyEmergency reacts to acutely bad feedback with a fast
	// single call and a low deployment bar.
	StrategyEmergency = Strategy{
		Name:              "emergency",
		Mode:              rewriter.ModeSingleShot,
		Timeout:           5 * time.Second,
		MinImprovementPct: 3.0,
	}

	// StrategyContinuous is the steady-state strategy for moderate
	// feedback volume.
	StrategyContinuous = Strategy{
		Name:              "continuous",
		Mode:              rewriter.ModeSingleShot,
		Timeout:           10 * time.Second,
		MinImprovementPct: 5.0,
	}

	// StrategyBatch spends more time when a large feedback batch gives
	// the rewriter a richer trajectory to work from.
	StrategyBatch = Strategy{
		Name:              "batch",
		Mode:              rewriter.ModeMiniOPRO,
		Timeout:           30 * time.Second,
		MinImprovementPct: 8.0,
	}

	// StrategyThorough is only reachable through a manual force; the
	// automatic trigger never selects it.
	StrategyThorough = Strategy{
		Name:              "thorough",
		Mode:              rewriter.ModeHybrid,
		Timeout:           2 * time.Minute,
		MinImprovementPct: 10.0,
	}
)

var strategies = map[string]Strategy{
	StrategyEmergency.Name:  StrategyEmergency,
	StrategyContinuous.Name: StrategyContinuous,
	StrategyBatch.Name:      StrategyBatch,
	StrategyThorough.Name:   StrategyThorough,
}

// StrategyByName resolves a strategy by its wire name.
func StrategyByName(name string) (Strategy, bool) {
	s, ok := strategies[name]
	return s, ok
}

// Candidates produced by the cheap tiers carry less built-in validation
// than the OPRO tiers, so they clear a lower confidence bar.
const (
	fastModeConfidence     = 0.6
	standardModeConfidence = 0.8
)

func deployConfidenceThreshold(mode string) float64 {
	switch rewriter.Mode(mode) {
	case rewriter.ModeCached, rewriter.ModeSingleShot:
		return fastModeConfidence
	default:
		return standardModeConfidence
	}
}

// selectStrategy picks a strategy by severity of the triggering batch.
// High negativity or very low ratings escalate to emergency regardless
// of batch size; otherwise volume decides.
func selectStrategy(a *triggerAnalysis) Strategy {
	switch {
	case a.NegativeRatio > emergencyNegativeRatio || a.AverageRating < emergencyRatingThreshold:
		return StrategyEmergency
	case len(a.Batch) >= batchFeedbackCount:
		return StrategyBatch
	case len(a.Batch) >= continuousFeedbackCount:
		return StrategyContinuous
	default:
		return StrategyEmergency
	}
}
