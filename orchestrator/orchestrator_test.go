package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimail/optimail/convergence"
	"github.com/optimail/optimail/evaluation"
	"github.com/optimail/optimail/llm"
	"github.com/optimail/optimail/reward"
	"github.com/optimail/optimail/rewriter"
	"github.com/optimail/optimail/store/memory"
	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

const (
	testLab        = "lab-1"
	baselinePrompt = "You are an email assistant. Draft replies."
	improvedPrompt = "You are an email assistant. Draft concise, well-structured replies that answer every question in the incoming email."
	goodReply      = "Thanks for the update, I will review the document and follow up tomorrow morning."
	badReply       = "unable."
)

type stubCases struct {
	cases []types.TestCase
}

func (s stubCases) TestCases(_ context.Context, _ types.EmailScenario, limit int) ([]types.TestCase, error) {
	cases := s.cases
	if limit > 0 && len(cases) > limit {
		cases = cases[:limit]
	}
	return cases, nil
}

type fixture struct {
	prompts  *memory.PromptStore
	feedback *memory.FeedbackStore
	runs     *memory.RunStore
	client   *llm.MockClient
	detector *convergence.Detector
	orch     *Orchestrator
}

func newFixture(t *testing.T, cfg TriggerConfig) *fixture {
	t.Helper()

	f := &fixture{
		prompts:  memory.NewPromptStore(),
		feedback: memory.NewFeedbackStore(),
		runs:     memory.NewRunStore(),
		client:   llm.NewMockClient(),
	}
	logger := utils.NewNopLogger()
	rewards := reward.NewAggregator(f.client, logger)
	f.detector = convergence.NewDetector(f.prompts, f.feedback, f.runs, logger)

	// Candidate drafts reproduce the expected output exactly; baseline
	// drafts share no words with it, so the candidate wins decisively.
	f.client.GenerateFunc = func(_ context.Context, req llm.GenerateRequest) (string, error) {
		switch req.SystemPrompt {
		case "":
			return improvedPrompt, nil
		case improvedPrompt:
			return goodReply, nil
		default:
			return badReply, nil
		}
	}

	cases := stubCases{cases: []types.TestCase{
		{ID: "tc-1", Scenario: types.ScenarioProfessional, Subject: "Update", EmailContent: "Please review the attached document.", ExpectedOutput: goodReply},
		{ID: "tc-2", Scenario: types.ScenarioProfessional, Subject: "Schedule", EmailContent: "Can we meet tomorrow?", ExpectedOutput: goodReply},
		{ID: "tc-3", Scenario: types.ScenarioProfessional, Subject: "Question", EmailContent: "What is the status of the report?", ExpectedOutput: goodReply},
	}}

	f.orch = New(cfg,
		f.prompts, f.feedback, f.runs,
		rewriter.New(f.client, rewards, logger),
		evaluation.NewEngine(f.client, rewards, logger),
		f.detector, cases, logger)

	_, err := f.prompts.Create(context.Background(), testLab, baselinePrompt)
	require.NoError(t, err)
	return f
}

func defaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		MinFeedbackCount: 10,
		MinNegativeRatio: 0.3,
		FeedbackWindow:   24 * time.Hour,
		Cooldown:         2 * time.Hour,
		MaxPerDay:        6,
	}
}

func (f *fixture) seedFeedback(t *testing.T, total, rejects int) {
	t.Helper()
	for i := 0; i < total; i++ {
		action := types.ActionAccept
		if i < rejects {
			action = types.ActionReject
		}
		err := f.feedback.Add(context.Background(), types.UserFeedback{
			LabID:     testLab,
			DraftID:   fmt.Sprintf("draft-%d", i),
			Action:    action,
			Reason:    "needs work",
			Scenario:  types.ScenarioProfessional,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
}

func TestCheckAndTriggerBelowThreshold(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 5, 5)

	result, err := f.orch.CheckAndTrigger(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)

	status := f.orch.Status(context.Background())
	assert.Equal(t, 0, status.OptimizationsToday)
	assert.Contains(t, status.LastSkipReason, "insufficient feedback")
}

func TestCheckAndTriggerDeploysOnClearWin(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	result, err := f.orch.CheckAndTrigger(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Contains(t, result.TriggerReason, "negative feedback ratio")
	assert.Equal(t, "emergency", result.Strategy)
	assert.True(t, result.Deployed)
	assert.Greater(t, result.ImprovementPct, 3.0)
	assert.Equal(t, 10, result.FeedbackCount)

	t.Run("deployment is atomic", func(t *testing.T) {
		versions, err := f.prompts.Versions(context.Background(), testLab, 0)
		require.NoError(t, err)
		require.Len(t, versions, 2)

		active := 0
		for _, v := range versions {
			if v.IsActive {
				active++
				assert.Equal(t, 2, v.Version)
				assert.Equal(t, improvedPrompt, v.Content)
				require.NotNil(t, v.PerformanceScore)
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("cycle bookkeeping", func(t *testing.T) {
		status := f.orch.Status(context.Background())
		assert.Equal(t, 1, status.OptimizationsToday)
		assert.False(t, status.CanOptimizeNow, "cooldown should hold after a cycle")

		n, err := f.runs.CountForLab(context.Background(), testLab)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestCheckAndTriggerSkipsDeployBelowMinImprovement(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	// Candidate drafts are identical to baseline drafts, so the
	// comparison is a tie and nothing ships.
	f.client.GenerateFunc = func(_ context.Context, req llm.GenerateRequest) (string, error) {
		if req.SystemPrompt == "" {
			return improvedPrompt, nil
		}
		return badReply, nil
	}

	result, err := f.orch.CheckAndTrigger(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Deployed)

	versions, err := f.prompts.Versions(context.Background(), testLab, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "baseline must remain the only version")

	// The attempt still counts against the daily quota.
	assert.Equal(t, 1, f.orch.Status(context.Background()).OptimizationsToday)
}

type failingDeployStore struct {
	*memory.PromptStore
}

func (s failingDeployStore) Deploy(_ context.Context, _, _ string, _ float64) (*types.SystemPrompt, error) {
	return nil, errors.New("disk full")
}

func TestDeployFailureKeepsPriorPrompt(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	logger := utils.NewMockLogger()
	f.orch.logger = logger
	f.orch.prompts = failingDeployStore{f.prompts}

	result, err := f.orch.CheckAndTrigger(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Deployed)
	assert.Equal(t, "deployment failed, prior prompt remains active", logger.Last(utils.LogLevelError))

	active, err := f.prompts.ActivePrompt(context.Background(), testLab)
	require.NoError(t, err)
	assert.Equal(t, baselinePrompt, active.Content)
	assert.Equal(t, 1, active.Version)
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.CheckAndTrigger(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := f.prompts.Versions(context.Background(), testLab, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 2, "concurrent calls must deploy at most once")

	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, f.orch.Status(context.Background()).OptimizationsToday)
}

func TestQuotaGates(t *testing.T) {
	t.Run("daily limit", func(t *testing.T) {
		cfg := defaultTriggerConfig()
		cfg.MaxPerDay = 0
		f := newFixture(t, cfg)
		f.seedFeedback(t, 10, 7)

		result, err := f.orch.CheckAndTrigger(context.Background())
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Contains(t, f.orch.Status(context.Background()).LastSkipReason, "daily optimization limit")
	})

	t.Run("cooldown", func(t *testing.T) {
		f := newFixture(t, defaultTriggerConfig())
		f.seedFeedback(t, 10, 7)

		first, err := f.orch.CheckAndTrigger(context.Background())
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := f.orch.CheckAndTrigger(context.Background())
		require.NoError(t, err)
		assert.Nil(t, second)
		assert.Contains(t, f.orch.Status(context.Background()).LastSkipReason, "cooldown")
	})

	t.Run("counter resets at date rollover", func(t *testing.T) {
		f := newFixture(t, defaultTriggerConfig())
		now := time.Now()
		f.orch.now = func() time.Time { return now }

		// Yesterday's runs exhaust the limit but do not count today.
		for i := 0; i < 6; i++ {
			err := f.runs.Record(context.Background(), types.OptimizationRun{
				LabID:      testLab,
				Strategy:   "continuous",
				StartedAt:  now.AddDate(0, 0, -1),
				FinishedAt: now.AddDate(0, 0, -1),
			})
			require.NoError(t, err)
		}

		reason, err := f.orch.quotaGate(context.Background(), now)
		require.NoError(t, err)
		assert.Empty(t, reason)
		assert.Equal(t, 0, f.orch.Status(context.Background()).OptimizationsToday)
	})

	t.Run("quota survives restart", func(t *testing.T) {
		cfg := defaultTriggerConfig()
		cfg.MaxPerDay = 1
		f := newFixture(t, cfg)
		f.seedFeedback(t, 10, 7)

		first, err := f.orch.CheckAndTrigger(context.Background())
		require.NoError(t, err)
		require.NotNil(t, first)

		// A fresh orchestrator over the same run store has no in-memory
		// state, yet the recorded run still counts against today.
		restarted := newFixture(t, cfg)
		restarted.orch.runs = f.runs
		restarted.seedFeedback(t, 10, 7)

		result, err := restarted.orch.CheckAndTrigger(context.Background())
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Contains(t, restarted.orch.Status(context.Background()).LastSkipReason, "daily optimization limit")
	})
}

func TestStatusIncludesRecommendations(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	status := f.orch.Status(context.Background())
	require.NotNil(t, status.Recommendations)
	assert.True(t, status.Recommendations.ShouldOptimize)
	assert.Equal(t, "emergency", status.Recommendations.RecommendedStrategy)
	assert.True(t, status.CanOptimizeNow)
	assert.Equal(t, 0, status.OptimizationsToday)

	raw, err := json.Marshal(status)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{
		"is_running", "last_optimization_time", "optimizations_today",
		"can_optimize_now", "trigger_config", "recommendations",
	} {
		assert.Contains(t, decoded, key)
	}
}

func TestRecommendations(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.seedFeedback(t, 10, 7)

	rec, err := f.orch.Recommendations(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.ShouldOptimize)
	assert.Contains(t, rec.Reason, "negative feedback ratio")
	assert.Equal(t, "emergency", rec.RecommendedStrategy)
	assert.Equal(t, 10, rec.FeedbackCount)
	assert.InDelta(t, 0.7, rec.NegativeRatio, 1e-9)
}

func TestConsistentIssueTrigger(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	for i := 0; i < 10; i++ {
		ratings := map[string]int{"clarity": 5}
		if i < 5 {
			ratings["tone"] = 2
		}
		err := f.feedback.Add(context.Background(), types.UserFeedback{
			LabID:         testLab,
			Action:        types.ActionAccept,
			Scenario:      types.ScenarioProfessional,
			FactorRatings: ratings,
			CreatedAt:     time.Now(),
		})
		require.NoError(t, err)
	}

	a, err := f.orch.analyzeTrigger(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, a.Triggered)
	assert.Contains(t, a.Reason, "consistent issues with tone")
	assert.InDelta(t, 0.0, a.NegativeRatio, 1e-9)
}

func TestSummarize(t *testing.T) {
	t.Run("empty batch defaults to neutral rating", func(t *testing.T) {
		a := summarize(nil)
		assert.InDelta(t, neutralRating, a.AverageRating, 1e-9)
		assert.Zero(t, a.NegativeRatio)
	})

	t.Run("averages and majority lab", func(t *testing.T) {
		batch := []types.UserFeedback{
			{LabID: "a", Action: types.ActionReject, FactorRatings: map[string]int{"tone": 1}},
			{LabID: "a", Action: types.ActionEdit, FactorRatings: map[string]int{"tone": 3}},
			{LabID: "b", Action: types.ActionAccept},
		}
		a := summarize(batch)
		assert.Equal(t, "a", a.LabID)
		assert.InDelta(t, 2.0/3.0, a.NegativeRatio, 1e-9)
		assert.InDelta(t, 2.0, a.AverageRating, 1e-9)
		assert.InDelta(t, 2.0, a.FactorAverages["tone"], 1e-9)
	})
}

func TestMajorityScenario(t *testing.T) {
	batch := []types.UserFeedback{
		{Scenario: types.ScenarioUrgent},
		{Scenario: types.ScenarioUrgent},
		{Scenario: types.ScenarioCasual},
	}
	assert.Equal(t, types.ScenarioUrgent, majorityScenario(batch))
	assert.Equal(t, types.ScenarioProfessional, majorityScenario(nil))
}

func TestSelectStrategy(t *testing.T) {
	batch := func(n int) []types.UserFeedback { return make([]types.UserFeedback, n) }

	tests := []struct {
		name string
		a    *triggerAnalysis
		want string
	}{
		{"high negativity", &triggerAnalysis{NegativeRatio: 0.7, AverageRating: 3, Batch: batch(10)}, "emergency"},
		{"very low rating", &triggerAnalysis{NegativeRatio: 0.1, AverageRating: 1.5, Batch: batch(25)}, "emergency"},
		{"large batch", &triggerAnalysis{NegativeRatio: 0.4, AverageRating: 3, Batch: batch(20)}, "batch"},
		{"moderate batch", &triggerAnalysis{NegativeRatio: 0.4, AverageRating: 3, Batch: batch(12)}, "continuous"},
		{"sparse data", &triggerAnalysis{NegativeRatio: 0.4, AverageRating: 3, Batch: batch(4)}, "emergency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectStrategy(tt.a).Name)
		})
	}
}

func TestStrategyTable(t *testing.T) {
	emergency, ok := StrategyByName("emergency")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, emergency.Timeout)
	assert.InDelta(t, 3.0, emergency.MinImprovementPct, 1e-9)

	_, ok = StrategyByName("reckless")
	assert.False(t, ok)
}

func TestGenerateCandidatesFallsBackToCached(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	f.client.GenerateFunc = nil
	f.client.Delay = 50 * time.Millisecond
	f.client.SetResponse(improvedPrompt)

	strat := Strategy{Name: "tight", Mode: rewriter.ModeSingleShot, Timeout: time.Millisecond}
	rc := types.RewriteContext{CurrentPrompt: baselinePrompt, Scenario: types.ScenarioProfessional}

	candidates, err := f.orch.generateCandidates(context.Background(), rc, strat)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, string(rewriter.ModeCached), candidates[0].Mode)
}

func TestForceOptimization(t *testing.T) {
	t.Run("unknown strategy", func(t *testing.T) {
		f := newFixture(t, defaultTriggerConfig())
		_, err := f.orch.ForceOptimization(context.Background(), testLab, "manual", "reckless", false)
		assert.ErrorContains(t, err, "unknown strategy")
	})

	t.Run("convergence blocks without override", func(t *testing.T) {
		f := newFixture(t, defaultTriggerConfig())
		require.NoError(t, f.detector.ForceConvergence(testLab, true))

		_, err := f.orch.ForceOptimization(context.Background(), testLab, "manual", "continuous", false)
		assert.ErrorContains(t, err, "converged")
	})

	t.Run("override runs the cycle", func(t *testing.T) {
		f := newFixture(t, defaultTriggerConfig())
		require.NoError(t, f.detector.ForceConvergence(testLab, true))

		result, err := f.orch.ForceOptimization(context.Background(), testLab, "operator request", "continuous", true)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "operator request", result.TriggerReason)
		assert.Equal(t, "continuous", result.Strategy)
	})
}
