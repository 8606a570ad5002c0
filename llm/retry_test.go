package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryStrategyBackoff(t *testing.T) {
	s := &DefaultRetryStrategy{
		MaxRetries:  10,
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, s.NextDelay(), "delay %d", i)
	}
}

func TestDefaultRetryStrategyShiftCap(t *testing.T) {
	s := &DefaultRetryStrategy{
		MaxRetries:  100,
		InitialWait: time.Nanosecond,
		MaxWait:     time.Duration(1<<62 - 1),
	}

	var last time.Duration
	for i := 0; i < 40; i++ {
		last = s.NextDelay()
		require.Greater(t, last, time.Duration(0), "delay must never overflow negative")
	}
	assert.Equal(t, time.Duration(1<<maxShiftAmount), last)
}

func TestDefaultRetryStrategyLimits(t *testing.T) {
	rateLimited := NewClientError(ErrorTypeRateLimit, "rate limited", nil)
	s := &DefaultRetryStrategy{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Second}

	assert.True(t, s.ShouldRetry(rateLimited))
	s.NextDelay()
	assert.True(t, s.ShouldRetry(rateLimited))
	s.NextDelay()
	assert.False(t, s.ShouldRetry(rateLimited), "budget exhausted after MaxRetries delays")

	s.Reset()
	assert.True(t, s.ShouldRetry(rateLimited), "Reset restores the retry budget")
}

func TestDefaultRetryStrategyNonRetryableError(t *testing.T) {
	s := &DefaultRetryStrategy{MaxRetries: 5, InitialWait: time.Millisecond, MaxWait: time.Second}

	assert.False(t, s.ShouldRetry(NewClientError(ErrorTypeAuthentication, "invalid API key", nil)))
	assert.False(t, s.ShouldRetry(NewClientError(ErrorTypeRequest, "bad request", nil)))
	assert.True(t, s.ShouldRetry(NewClientError(ErrorTypeAPI, "server error", nil)))
}
