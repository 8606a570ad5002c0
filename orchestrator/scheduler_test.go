package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimail/optimail/utils"
)

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	s := NewScheduler(f.orch, 10*time.Millisecond, utils.NewNopLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)

	// Give the loop a few ticks; no feedback exists, so every check is
	// a clean gate rejection rather than a failure.
	assert.Eventually(t, func() bool {
		return s.Status().ChecksRun >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	status := s.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Failures)

	// Stop is idempotent.
	s.Stop()
}

func TestSchedulerStopCancelsInFlightWait(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	s := NewScheduler(f.orch, time.Hour, utils.NewNopLogger())

	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight wait")
	}
}

func TestSchedulerForceCheck(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	s := NewScheduler(f.orch, time.Hour, utils.NewNopLogger())

	// ForceCheck bypasses the timer but not the gates: with no
	// feedback, the orchestrator declines to optimize.
	result, err := s.ForceCheck(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, s.Status().ChecksRun)
	assert.Contains(t, f.orch.Status(context.Background()).LastSkipReason, "insufficient feedback")
}

func TestSchedulerRestart(t *testing.T) {
	f := newFixture(t, defaultTriggerConfig())
	s := NewScheduler(f.orch, 10*time.Millisecond, utils.NewNopLogger())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
