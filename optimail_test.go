package optimail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimail/optimail/config"
	"github.com/optimail/optimail/llm"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.DatabasePath = ":memory:"
	cfg.CheckInterval = 10 * time.Millisecond
	return cfg
}

func TestNewEngineRequiresClientOrKey(t *testing.T) {
	_, err := NewEngine(testConfig())
	assert.ErrorContains(t, err, "API key")
}

func TestEngineLifecycle(t *testing.T) {
	engine, err := NewEngine(testConfig(), WithClient(llm.NewMockClient()))
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	assert.True(t, engine.Scheduler.Status().Running)
	require.NoError(t, engine.Close())
	assert.False(t, engine.Scheduler.Status().Running)
}

func TestEngineComponentsShareStores(t *testing.T) {
	engine, err := NewEngine(testConfig(), WithClient(llm.NewMockClient()))
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	created, err := engine.Prompts.Create(ctx, "lab-1", "Draft helpful replies.")
	require.NoError(t, err)

	// The orchestrator reads the same store the engine exposes.
	status := engine.Orchestrator.Status(ctx)
	assert.True(t, status.CanOptimizeNow)
	assert.Zero(t, status.OptimizationsToday)

	active, err := engine.Prompts.ActivePrompt(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)
}
