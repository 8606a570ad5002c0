package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient implements Client for tests. Responses can be scripted as a
// queue, forced to error, or delayed to exercise timeout paths.
type MockClient struct {
	mu sync.Mutex

	responseText  string
	responses     []string
	currentIndex  int
	loopResponses bool

	err         error
	logProbs    []float64
	logProbsErr error

	// Delay is applied before every call, honoring context cancellation.
	Delay time.Duration

	// GenerateFunc, when set, overrides the scripted behavior entirely.
	GenerateFunc func(ctx context.Context, req GenerateRequest) (string, error)

	GenerateCalls int
	LogProbCalls  int
	LastRequest   GenerateRequest
}

// NewMockClient creates a mock that answers every call with a canned string.
func NewMockClient() *MockClient {
	return &MockClient{responseText: "This is a mock response"}
}

// SetResponse configures a single canned response.
func (m *MockClient) SetResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseText = text
	m.responses = nil
	m.currentIndex = 0
}

// QueueResponses configures an ordered queue of responses. When loop is
// false and the queue is exhausted, subsequent calls fall back to the
// canned response.
func (m *MockClient) QueueResponses(loop bool, responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.currentIndex = 0
	m.loopResponses = loop
}

// SetError forces every Generate call to fail.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetLogProbs configures the LogProbabilities result.
func (m *MockClient) SetLogProbs(probs []float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logProbs = probs
	m.logProbsErr = err
}

func (m *MockClient) sleep(ctx context.Context) error {
	if m.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
		return nil
	}
}

func (m *MockClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls++
	m.LastRequest = req

	if m.GenerateFunc != nil {
		fn := m.GenerateFunc
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.mu.Lock()
		return resp, err
	}
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) > 0 {
		if m.currentIndex < len(m.responses) {
			resp := m.responses[m.currentIndex]
			m.currentIndex++
			return resp, nil
		}
		if m.loopResponses {
			m.currentIndex = 1
			return m.responses[0], nil
		}
	}
	return m.responseText, nil
}

func (m *MockClient) LogProbabilities(ctx context.Context, text, contextText string) ([]float64, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.LogProbCalls++
	if m.logProbsErr != nil {
		return nil, m.logProbsErr
	}
	if m.logProbs != nil {
		return m.logProbs, nil
	}
	return []float64{-0.5, -0.5, -0.5}, nil
}
