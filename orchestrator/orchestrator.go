// Package orchestrator owns the optimization control loop: it decides
// when a lab's feedback justifies rewriting the active prompt, bounds
// the attempt with a strategy, evaluates the candidates, and deploys
// the winner when it clears the improvement and confidence bars.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/optimail/optimail/convergence"
	"github.com/optimail/optimail/evaluation"
	"github.com/optimail/optimail/rewriter"
	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

// evaluationCaseCount is how many test cases each cycle scores
// candidates against.
const evaluationCaseCount = 15

// ColdStartChecker gates optimization on labs that have not accumulated
// enough baseline signal yet.
type ColdStartChecker interface {
	ShouldAllowOptimization(ctx context.Context, labID string) (bool, error)
	IsColdStartComplete(ctx context.Context, labID string) (bool, error)
}

// TestCaseSource supplies the evaluation batch for a scenario.
type TestCaseSource interface {
	TestCases(ctx context.Context, scenario types.EmailScenario, limit int) ([]types.TestCase, error)
}

// Assessor is the convergence view the orchestrator consults before
// spending LLM budget on a lab. *convergence.Detector satisfies it.
type Assessor interface {
	Assess(ctx context.Context, labID string) (*convergence.Assessment, error)
}

// Orchestrator is the single entry point for optimization cycles. All
// cycle entry points serialize on one mutex, so at most one cycle runs
// per process.
type Orchestrator struct {
	cfg      TriggerConfig
	prompts  store.PromptStore
	feedback store.FeedbackStore
	runs     store.RunStore
	rewriter *rewriter.Rewriter
	engine   *evaluation.Engine
	assessor Assessor
	cases    TestCaseSource

	coldStart ColdStartChecker
	logger    utils.Logger
	now       func() time.Time

	cycleMu sync.Mutex // single-flight for optimization cycles

	stateMu        sync.Mutex
	running        bool
	lastCycle      time.Time
	lastSkipReason string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithColdStartChecker installs the cold-start gate. Without one, labs
// are assumed warmed up.
func WithColdStartChecker(c ColdStartChecker) Option {
	return func(o *Orchestrator) { o.coldStart = c }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(cfg TriggerConfig, prompts store.PromptStore, feedback store.FeedbackStore, runs store.RunStore,
	rw *rewriter.Rewriter, engine *evaluation.Engine, assessor Assessor, cases TestCaseSource,
	logger utils.Logger, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		cfg:      cfg,
		prompts:  prompts,
		feedback: feedback,
		runs:     runs,
		rewriter: rw,
		engine:   engine,
		assessor: assessor,
		cases:    cases,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckAndTrigger runs one gated optimization cycle. Gate rejections
// are normal control flow: the result is nil with a nil error, and the
// rejection reason is logged at info level and retained for Status.
// Gates run in cost order so no LLM call happens before the cheap
// bookkeeping checks pass.
func (o *Orchestrator) CheckAndTrigger(ctx context.Context) (*types.OptimizationResult, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.setRunning(true)
	defer o.setRunning(false)

	now := o.now()
	reason, err := o.quotaGate(ctx, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		o.skip(reason)
		return nil, nil
	}

	a, err := o.analyzeTrigger(ctx, now)
	if err != nil {
		return nil, err
	}
	if !a.Triggered {
		o.skip(a.Reason)
		return nil, nil
	}

	if blocked, reason, err := o.labGates(ctx, a.LabID, false); err != nil {
		return nil, err
	} else if blocked {
		o.skip(reason)
		return nil, nil
	}

	return o.runCycle(ctx, a, selectStrategy(a), now)
}

// ForceOptimization bypasses the quota, cooldown, and trigger-analysis
// gates for a manual run. Convergence still blocks unless explicitly
// overridden.
func (o *Orchestrator) ForceOptimization(ctx context.Context, labID, reason, strategyName string, overrideConvergence bool) (*types.OptimizationResult, error) {
	strat, ok := StrategyByName(strategyName)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategyName)
	}

	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.setRunning(true)
	defer o.setRunning(false)

	if !overrideConvergence {
		if blocked, why, err := o.convergenceGate(ctx, labID, false); err != nil {
			return nil, err
		} else if blocked {
			return nil, fmt.Errorf("lab %s: %s (set the override flag to proceed)", labID, why)
		}
	}

	now := o.now()
	batch, err := o.feedback.Since(ctx, now.Add(-o.cfg.FeedbackWindow))
	if err != nil {
		return nil, fmt.Errorf("querying feedback window: %w", err)
	}
	labBatch := batch[:0:0]
	for _, fb := range batch {
		if fb.LabID == labID {
			labBatch = append(labBatch, fb)
		}
	}

	a := summarize(labBatch)
	a.LabID = labID
	a.Triggered = true
	a.Reason = reason
	if a.Reason == "" {
		a.Reason = "manual trigger"
	}
	return o.runCycle(ctx, a, strat, now)
}

// quotaGate enforces the daily run count and the cooldown. The count
// comes from the run store, so restarting the process does not reset
// the quota. Empty return means pass.
func (o *Orchestrator) quotaGate(ctx context.Context, now time.Time) (string, error) {
	count, err := o.runs.CountSince(ctx, startOfDay(now))
	if err != nil {
		return "", fmt.Errorf("counting today's optimization runs: %w", err)
	}
	if count >= o.cfg.MaxPerDay {
		return fmt.Sprintf("daily optimization limit reached: %d of %d", count, o.cfg.MaxPerDay), nil
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if !o.lastCycle.IsZero() {
		if elapsed := now.Sub(o.lastCycle); elapsed < o.cfg.Cooldown {
			return fmt.Sprintf("cooldown active: %s since last cycle, %s required",
				elapsed.Round(time.Second), o.cfg.Cooldown), nil
		}
	}
	return "", nil
}

// labGates runs the cold-start and convergence gates for a resolved lab.
func (o *Orchestrator) labGates(ctx context.Context, labID string, forceConverged bool) (bool, string, error) {
	if o.coldStart != nil {
		allowed, err := o.coldStart.ShouldAllowOptimization(ctx, labID)
		if err != nil {
			return false, "", fmt.Errorf("cold-start check for lab %s: %w", labID, err)
		}
		if !allowed {
			return true, fmt.Sprintf("lab %s still in cold start", labID), nil
		}
	}
	return o.convergenceGate(ctx, labID, forceConverged)
}

func (o *Orchestrator) convergenceGate(ctx context.Context, labID string, force bool) (bool, string, error) {
	if o.assessor == nil || force {
		return false, "", nil
	}
	assessment, err := o.assessor.Assess(ctx, labID)
	if err != nil {
		// Assessment failures should not block optimization; the hard
		// iteration limit is re-checked every cycle anyway.
		o.logger.Warn("convergence assessment failed, proceeding", "lab_id", labID, "error", err)
		return false, "", nil
	}
	if assessment.Converged {
		return true, fmt.Sprintf("optimization has converged: %s", assessment.Reason), nil
	}
	return false, "", nil
}

// runCycle does the LLM work: rewrite, evaluate, and possibly deploy.
// Deployment is the only mutation and the last action, so a failure at
// any earlier step leaves the prior active prompt untouched.
func (o *Orchestrator) runCycle(ctx context.Context, a *triggerAnalysis, strat Strategy, started time.Time) (*types.OptimizationResult, error) {
	o.logger.Info("optimization cycle starting",
		"lab_id", a.LabID, "reason", a.Reason, "strategy", strat.Name, "feedback_count", len(a.Batch))

	baseline, err := o.prompts.ActivePrompt(ctx, a.LabID)
	if err != nil {
		return nil, fmt.Errorf("no active prompt for lab %s: %w", a.LabID, err)
	}

	rc, err := o.buildRewriteContext(ctx, a, baseline)
	if err != nil {
		return nil, err
	}

	candidates, err := o.generateCandidates(ctx, rc, strat)
	if err != nil {
		return nil, err
	}

	cases, err := o.cases.TestCases(ctx, rc.Scenario, evaluationCaseCount)
	if err != nil {
		return nil, fmt.Errorf("loading test cases: %w", err)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no test cases available for scenario %q", rc.Scenario)
	}

	baselineResult, err := o.engine.Evaluate(ctx, baseline.Content, cases)
	if err != nil {
		return nil, fmt.Errorf("evaluating baseline: %w", err)
	}

	best, bestResult, err := o.evaluateCandidates(ctx, candidates, cases)
	if err != nil {
		return nil, err
	}
	cmp := evaluation.CompareResults(baselineResult, bestResult)

	result := &types.OptimizationResult{
		ID:             uuid.NewString(),
		LabID:          a.LabID,
		TriggerReason:  a.Reason,
		Strategy:       strat.Name,
		BaselineScore:  baselineResult.PerformanceScore,
		Candidates:     candidates,
		Best:           best,
		BestScore:      bestResult.PerformanceScore,
		ImprovementPct: cmp.ImprovementPct,
		FeedbackCount:  len(a.Batch),
		StartedAt:      started,
	}

	threshold := deployConfidenceThreshold(best.Mode)
	switch {
	case cmp.Winner != evaluation.WinnerCandidate:
		o.logger.Info("skipping deployment: candidate did not beat baseline",
			"lab_id", a.LabID, "winner", cmp.Winner, "improvement_pct", cmp.ImprovementPct)
	case cmp.ImprovementPct < strat.MinImprovementPct:
		o.logger.Info("skipping deployment: improvement below strategy minimum",
			"lab_id", a.LabID, "improvement_pct", cmp.ImprovementPct, "required_pct", strat.MinImprovementPct)
	case best.Confidence < threshold:
		o.logger.Info("skipping deployment: candidate confidence below threshold",
			"lab_id", a.LabID, "mode", best.Mode, "confidence", best.Confidence, "required", threshold)
	default:
		deployed, err := o.prompts.Deploy(ctx, a.LabID, best.Content, bestResult.PerformanceScore)
		if err != nil {
			// The prior prompt stays active; report but finish the cycle.
			o.logger.Error("deployment failed, prior prompt remains active", "lab_id", a.LabID, "error", err)
		} else {
			result.Deployed = true
			o.logger.Info("deployed new prompt version",
				"lab_id", a.LabID, "version", deployed.Version, "score", bestResult.PerformanceScore,
				"improvement_pct", cmp.ImprovementPct)
		}
	}

	result.FinishedAt = o.now()
	if err := o.runs.Record(ctx, result.Run()); err != nil {
		o.logger.Error("recording optimization run", "lab_id", a.LabID, "error", err)
	}

	// The recorded run counts against the quota whether or not it
	// deployed; only the cooldown timestamp lives in memory.
	o.stateMu.Lock()
	o.lastCycle = result.FinishedAt
	o.lastSkipReason = ""
	o.stateMu.Unlock()

	return result, nil
}

// generateCandidates invokes the rewriter under the strategy's timeout.
// On timeout or failure it retries once in cached mode with the parent
// context, so a slow provider degrades the cycle instead of aborting it.
func (o *Orchestrator) generateCandidates(ctx context.Context, rc types.RewriteContext, strat Strategy) ([]types.RewriteCandidate, error) {
	tctx, cancel := context.WithTimeout(ctx, strat.Timeout)
	defer cancel()

	candidates, err := o.rewriter.Rewrite(tctx, rc, strat.Mode)
	if err == nil {
		return candidates, nil
	}
	o.logger.Warn("rewrite failed within strategy budget, falling back to cached mode",
		"strategy", strat.Name, "error", err)

	candidates, err = o.rewriter.Rewrite(ctx, rc, rewriter.ModeCached)
	if err != nil {
		return nil, fmt.Errorf("cached rewrite fallback: %w", err)
	}
	return candidates, nil
}

// evaluateCandidates scores each candidate concurrently and returns the
// highest-scoring one. Individual evaluation failures are skipped; only
// a fully failed set is fatal.
func (o *Orchestrator) evaluateCandidates(ctx context.Context, candidates []types.RewriteCandidate, cases []types.TestCase) (*types.RewriteCandidate, *evaluation.Result, error) {
	results := make([]*evaluation.Result, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		i := i
		g.Go(func() error {
			r, err := o.engine.Evaluate(gctx, candidates[i].Content, cases)
			if err != nil {
				o.logger.Warn("candidate evaluation failed, skipping", "index", i, "error", err)
				return nil
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	bestIdx := -1
	for i, r := range results {
		if r == nil {
			continue
		}
		if bestIdx < 0 || r.PerformanceScore > results[bestIdx].PerformanceScore {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, nil, errors.New("all candidate evaluations failed")
	}
	return &candidates[bestIdx], results[bestIdx], nil
}

func (o *Orchestrator) skip(reason string) {
	o.logger.Info("optimization not triggered", "reason", reason)
	o.stateMu.Lock()
	o.lastSkipReason = reason
	o.stateMu.Unlock()
}

func (o *Orchestrator) setRunning(v bool) {
	o.stateMu.Lock()
	o.running = v
	o.stateMu.Unlock()
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
