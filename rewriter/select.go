package rewriter

import (
	"context"

	"github.com/optimail/optimail/reward"
	"github.com/optimail/optimail/types"
)

// SelectBest scores every candidate through the reward aggregator
// against the evaluation signal and returns the argmax with its score.
// The signal's Actual field is replaced per candidate; everything else
// (feedback, scenario, expectations) is shared context.
func (r *Rewriter) SelectBest(ctx context.Context, candidates []types.RewriteCandidate, sig reward.Signal) (*types.RewriteCandidate, float64) {
	if len(candidates) == 0 {
		return nil, 0
	}

	bestIdx := 0
	bestScore := -1.0
	for i, cand := range candidates {
		s := sig
		s.Actual = cand.Content
		score := r.rewards.Compute(ctx, s)
		r.logger.Debug("candidate scored", "index", i, "score", score, "mode", cand.Mode)
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return &candidates[bestIdx], bestScore
}
