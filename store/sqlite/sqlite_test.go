package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/types"
)

var (
	_ store.PromptStore   = (*PromptStore)(nil)
	_ store.FeedbackStore = (*FeedbackStore)(nil)
	_ store.RunStore      = (*RunStore)(nil)
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "optimail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPromptStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	prompts := openTestDB(t).Prompts()

	_, err := prompts.ActivePrompt(ctx, "lab-1")
	assert.ErrorIs(t, err, store.ErrNoActivePrompt)

	created, err := prompts.Create(ctx, "lab-1", "Draft helpful replies to {sender}.")
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsActive)
	assert.Equal(t, []string{"sender"}, created.Parameters)

	active, err := prompts.ActivePrompt(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	deployed, err := prompts.Deploy(ctx, "lab-1", "Draft concise replies.", 0.82)
	require.NoError(t, err)
	assert.Equal(t, 2, deployed.Version)
	require.NotNil(t, deployed.PerformanceScore)
	assert.InDelta(t, 0.82, *deployed.PerformanceScore, 1e-9)

	t.Run("exactly one active after deploy", func(t *testing.T) {
		versions, err := prompts.Versions(ctx, "lab-1", 0)
		require.NoError(t, err)
		require.Len(t, versions, 2)

		active := 0
		for _, v := range versions {
			if v.IsActive {
				active++
				assert.Equal(t, 2, v.Version)
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("labs are isolated", func(t *testing.T) {
		_, err := prompts.ActivePrompt(ctx, "lab-2")
		assert.ErrorIs(t, err, store.ErrNoActivePrompt)
	})
}

func TestPromptStoreVersionScores(t *testing.T) {
	ctx := context.Background()
	prompts := openTestDB(t).Prompts()

	_, err := prompts.Create(ctx, "lab-1", "v1")
	require.NoError(t, err)
	for i, score := range []float64{0.5, 0.6, 0.7, 0.8} {
		_, err := prompts.Deploy(ctx, "lab-1", fmt.Sprintf("v%d", i+2), score)
		require.NoError(t, err)
	}

	t.Run("oldest first", func(t *testing.T) {
		scores, err := prompts.VersionScores(ctx, "lab-1", 0)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5, 0.6, 0.7, 0.8}, scores)
	})

	t.Run("limit keeps most recent", func(t *testing.T) {
		scores, err := prompts.VersionScores(ctx, "lab-1", 2)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.7, 0.8}, scores)
	})

	t.Run("unscored versions are excluded", func(t *testing.T) {
		versions, err := prompts.Versions(ctx, "lab-1", 0)
		require.NoError(t, err)
		assert.Len(t, versions, 5)
		assert.Nil(t, versions[0].PerformanceScore)
	})
}

func TestFeedbackStore(t *testing.T) {
	ctx := context.Background()
	feedback := openTestDB(t).Feedback()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := feedback.Add(ctx, types.UserFeedback{
			LabID:         "lab-1",
			DraftID:       "draft",
			Action:        types.ActionReject,
			Reason:        "too long",
			Scenario:      types.ScenarioProfessional,
			FactorRatings: map[string]int{"length": 2},
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	require.NoError(t, feedback.Add(ctx, types.UserFeedback{
		LabID:     "lab-2",
		Action:    types.ActionAccept,
		CreatedAt: base,
	}))

	t.Run("window query is oldest first", func(t *testing.T) {
		got, err := feedback.Since(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
	})

	t.Run("ratings round-trip", func(t *testing.T) {
		got, err := feedback.Since(ctx, base)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, map[string]int{"length": 2}, got[0].FactorRatings)
	})

	t.Run("recent for lab is newest first", func(t *testing.T) {
		got, err := feedback.RecentForLab(ctx, "lab-1", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].CreatedAt.After(got[1].CreatedAt))
	})

	t.Run("counts per lab", func(t *testing.T) {
		n, err := feedback.CountForLab(ctx, "lab-1")
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		n, err = feedback.CountForLab(ctx, "lab-2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestRunStore(t *testing.T) {
	ctx := context.Background()
	runs := openTestDB(t).Runs()

	base := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := runs.Record(ctx, types.OptimizationRun{
			LabID:          "lab-1",
			TriggerReason:  "negative feedback ratio",
			Strategy:       "continuous",
			ImprovementPct: 5.5,
			Deployed:       i == 2,
			FeedbackCount:  12,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			FinishedAt:     base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		require.NoError(t, err)
	}

	n, err := runs.CountForLab(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = runs.Record(ctx, types.OptimizationRun{
		LabID:         "lab-2",
		TriggerReason: "forced",
		Strategy:      "thorough",
		FeedbackCount: 3,
		StartedAt:     base.Add(3 * time.Hour),
		FinishedAt:    base.Add(3*time.Hour + time.Minute),
	})
	require.NoError(t, err)

	n, err = runs.CountSince(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "counts across labs for the daily quota")

	n, err = runs.CountForLab(ctx, "lab-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Prompts().Create(context.Background(), "lab", "prompt")
	assert.NoError(t, err)
}
