package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimail/optimail/utils"
)

const chatResponse = `{"choices":[{"message":{"content":"drafted reply"}}]}`

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...OpenAIOption) (*OpenAIClient, *utils.MockLogger) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := utils.NewMockLogger()
	opts = append([]OpenAIOption{
		WithEndpoint(srv.URL),
		WithRetries(3, time.Millisecond),
	}, opts...)
	return NewOpenAIClient("test-key", "test-model", logger, opts...), logger
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client, logger := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatResponse))
	})

	result, err := client.Generate(context.Background(), GenerateRequest{Prompt: "draft it"})
	require.NoError(t, err)
	assert.Equal(t, "drafted reply", result)
	assert.Equal(t, int32(3), calls.Load(), "two rate-limited attempts then success")
	assert.Equal(t, 2, logger.Count(utils.LogLevelWarn))
}

func TestGenerateDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "draft it"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "authentication failures are terminal")

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTypeAuthentication, ce.Type)
}

func TestGenerateExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithRetries(2, time.Millisecond))

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "draft it"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	assert.Contains(t, err.Error(), "failed to generate after 3 attempts")
}

func TestGenerateBackoffRespectsContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithRetries(3, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Generate(ctx, GenerateRequest{Prompt: "draft it"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation interrupts the backoff wait")
}

func TestGenerateCustomRetryStrategy(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithRetryStrategy(func() RetryStrategy {
		return &DefaultRetryStrategy{MaxRetries: 0, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	}))

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "draft it"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "zero-budget strategy disables retries")
}

func TestLogProbabilitiesFiltersNullTokens(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"logprobs":{"token_logprobs":[null,-0.5,-1.25]}}]}`))
	})

	probs, err := client.LogProbabilities(context.Background(), "hello there", "")
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.5, -1.25}, probs)
}
