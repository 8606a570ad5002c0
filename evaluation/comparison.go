package evaluation

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/optimail/optimail/types"
)

// Winner identifies which side of an A/B comparison prevailed.
type Winner string

const (
	WinnerBaseline  Winner = "baseline"
	WinnerCandidate Winner = "candidate"
	WinnerTie       Winner = "tie"
)

// winMargin is the minimum absolute score delta before either side can
// be declared a winner.
const winMargin = 0.02

// Comparison is the outcome of evaluating baseline and candidate over
// the same test-case set.
type Comparison struct {
	Baseline       *Result
	Candidate      *Result
	ImprovementPct float64
	Significance   float64
	Winner         Winner
	Confidence     float64
}

// Significance maps an absolute score difference to a p-value-like
// number. This is a stepped heuristic, not a hypothesis test: the
// thresholds are preserved for behavioral compatibility with the
// system's history, and the function is the single seam to replace with
// a real significance test (inputs would become the two score
// distributions) without changing the Comparison contract.
func Significance(diff float64) float64 {
	switch d := math.Abs(diff); {
	case d < 0.05:
		return 0.8 // not significant
	case d < 0.1:
		return 0.3
	case d < 0.2:
		return 0.1
	default:
		return 0.01 // significant
	}
}

// Compare evaluates both prompts concurrently over the same cases and
// derives the winner. The candidate must clear both the significance
// bar and the winMargin score delta to win; a symmetric margin guards
// the baseline side.
func (e *Engine) Compare(ctx context.Context, baselinePrompt, candidatePrompt string, cases []types.TestCase) (*Comparison, error) {
	var baseline, candidate *Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.Evaluate(gctx, baselinePrompt, cases)
		baseline = r
		return err
	})
	g.Go(func() error {
		r, err := e.Evaluate(gctx, candidatePrompt, cases)
		candidate = r
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cmp := CompareResults(baseline, candidate)

	e.logger.Info("comparison complete",
		"baseline", baseline.PerformanceScore,
		"candidate", candidate.PerformanceScore,
		"improvement_pct", cmp.ImprovementPct,
		"winner", cmp.Winner)

	return cmp, nil
}

// CompareResults derives a Comparison from two already-computed
// evaluation results. Callers that evaluate one baseline against
// several candidates use this to avoid re-scoring the baseline.
func CompareResults(baseline, candidate *Result) *Comparison {
	diff := candidate.PerformanceScore - baseline.PerformanceScore
	significance := Significance(diff)

	improvement := 0.0
	if baseline.PerformanceScore != 0 {
		improvement = diff / baseline.PerformanceScore * 100
	} else if candidate.PerformanceScore > 0 {
		improvement = 100
	}

	winner := WinnerTie
	if significance <= 0.05 {
		switch {
		case diff > winMargin:
			winner = WinnerCandidate
		case diff < -winMargin:
			winner = WinnerBaseline
		}
	}

	return &Comparison{
		Baseline:       baseline,
		Candidate:      candidate,
		ImprovementPct: improvement,
		Significance:   significance,
		Winner:         winner,
		Confidence:     1 - significance,
	}
}
