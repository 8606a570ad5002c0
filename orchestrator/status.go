package orchestrator

import (
	"context"
	"time"
)

// Status is a best-effort snapshot of the orchestrator's bookkeeping
// plus the current trigger recommendations. It never blocks on an
// in-flight cycle; fields that need store or feedback reads degrade to
// their zero values when those reads fail.
type Status struct {
	IsRunning            bool             `json:"is_running"`
	LastOptimizationTime time.Time        `json:"last_optimization_time"`
	OptimizationsToday   int              `json:"optimizations_today"`
	CanOptimizeNow       bool             `json:"can_optimize_now"`
	LastSkipReason       string           `json:"last_skip_reason,omitempty"`
	TriggerConfig        TriggerConfig    `json:"trigger_config"`
	Recommendations      *Recommendations `json:"recommendations,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context) Status {
	now := o.now()

	count, err := o.runs.CountSince(ctx, startOfDay(now))
	if err != nil {
		o.logger.Warn("status: counting today's runs failed", "error", err)
	}

	rec, err := o.Recommendations(ctx)
	if err != nil {
		o.logger.Warn("status: trigger analysis failed", "error", err)
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	canOptimize := count < o.cfg.MaxPerDay &&
		(o.lastCycle.IsZero() || now.Sub(o.lastCycle) >= o.cfg.Cooldown)

	return Status{
		IsRunning:            o.running,
		LastOptimizationTime: o.lastCycle,
		OptimizationsToday:   count,
		CanOptimizeNow:       canOptimize,
		LastSkipReason:       o.lastSkipReason,
		TriggerConfig:        o.cfg,
		Recommendations:      rec,
	}
}

// Recommendations summarizes what the trigger would do right now,
// without taking the cycle lock or doing any LLM work.
type Recommendations struct {
	ShouldOptimize      bool               `json:"should_optimize"`
	Reason              string             `json:"reason"`
	RecommendedStrategy string             `json:"recommended_strategy,omitempty"`
	FeedbackCount       int                `json:"feedback_count"`
	NegativeRatio       float64            `json:"negative_ratio"`
	AverageRating       float64            `json:"average_rating"`
	FactorAverages      map[string]float64 `json:"factor_averages,omitempty"`
}

func (o *Orchestrator) Recommendations(ctx context.Context) (*Recommendations, error) {
	a, err := o.analyzeTrigger(ctx, o.now())
	if err != nil {
		return nil, err
	}

	rec := &Recommendations{
		ShouldOptimize: a.Triggered,
		Reason:         a.Reason,
		FeedbackCount:  len(a.Batch),
		NegativeRatio:  a.NegativeRatio,
		AverageRating:  a.AverageRating,
		FactorAverages: a.FactorAverages,
	}
	if a.Triggered {
		rec.RecommendedStrategy = selectStrategy(a).Name
	}
	return rec, nil
}
