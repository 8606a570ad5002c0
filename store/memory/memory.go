// Package memory provides in-memory implementations of the store
// interfaces, used as test fakes and for single-process experiments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/types"
)

// PromptStore is an in-memory store.PromptStore.
type PromptStore struct {
	mu      sync.Mutex
	prompts map[string][]*types.SystemPrompt // labID -> versions ascending
}

func NewPromptStore() *PromptStore {
	return &PromptStore{prompts: make(map[string][]*types.SystemPrompt)}
}

func (s *PromptStore) ActivePrompt(_ context.Context, labID string) (*types.SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts[labID] {
		if p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNoActivePrompt
}

func (s *PromptStore) Create(_ context.Context, labID, content string) (*types.SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts[labID] {
		p.IsActive = false
	}
	p := &types.SystemPrompt{
		ID:         uuid.NewString(),
		LabID:      labID,
		Content:    content,
		Version:    len(s.prompts[labID]) + 1,
		IsActive:   true,
		Parameters: types.ExtractParameters(content),
		CreatedAt:  time.Now(),
	}
	s.prompts[labID] = append(s.prompts[labID], p)
	cp := *p
	return &cp, nil
}

func (s *PromptStore) Deploy(_ context.Context, labID, content string, score float64) (*types.SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.prompts[labID]
	if len(versions) == 0 {
		return nil, store.ErrNoActivePrompt
	}
	maxVersion := 0
	for _, p := range versions {
		if p.Version > maxVersion {
			maxVersion = p.Version
		}
		p.IsActive = false
	}
	p := &types.SystemPrompt{
		ID:               uuid.NewString(),
		LabID:            labID,
		Content:          content,
		Version:          maxVersion + 1,
		IsActive:         true,
		PerformanceScore: &score,
		Parameters:       types.ExtractParameters(content),
		CreatedAt:        time.Now(),
	}
	s.prompts[labID] = append(versions, p)
	cp := *p
	return &cp, nil
}

func (s *PromptStore) VersionScores(_ context.Context, labID string, limit int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := append([]*types.SystemPrompt(nil), s.prompts[labID]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	var scores []float64
	for _, p := range versions {
		if p.PerformanceScore != nil {
			scores = append(scores, *p.PerformanceScore)
		}
	}
	if limit > 0 && len(scores) > limit {
		scores = scores[len(scores)-limit:]
	}
	return scores, nil
}

func (s *PromptStore) Versions(_ context.Context, labID string, limit int) ([]*types.SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := append([]*types.SystemPrompt(nil), s.prompts[labID]...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}
	out := make([]*types.SystemPrompt, len(versions))
	for i, p := range versions {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// SetScore backfills a performance score on an existing version. Test helper.
func (s *PromptStore) SetScore(labID string, version int, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts[labID] {
		if p.Version == version {
			v := score
			p.PerformanceScore = &v
		}
	}
}

// FeedbackStore is an in-memory store.FeedbackStore.
type FeedbackStore struct {
	mu    sync.Mutex
	items []types.UserFeedback
}

func NewFeedbackStore() *FeedbackStore {
	return &FeedbackStore{}
}

func (s *FeedbackStore) Add(_ context.Context, fb types.UserFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}
	s.items = append(s.items, fb)
	return nil
}

func (s *FeedbackStore) Since(_ context.Context, since time.Time) ([]types.UserFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.UserFeedback
	for _, fb := range s.items {
		if !fb.CreatedAt.Before(since) {
			out = append(out, fb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FeedbackStore) RecentForLab(_ context.Context, labID string, limit int) ([]types.UserFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.UserFeedback
	for _, fb := range s.items {
		if fb.LabID == labID {
			out = append(out, fb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FeedbackStore) CountForLab(_ context.Context, labID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, fb := range s.items {
		if fb.LabID == labID {
			n++
		}
	}
	return n, nil
}

// RunStore is an in-memory store.RunStore.
type RunStore struct {
	mu   sync.Mutex
	runs []types.OptimizationRun
}

func NewRunStore() *RunStore {
	return &RunStore{}
}

func (s *RunStore) Record(_ context.Context, run types.OptimizationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *RunStore) CountForLab(_ context.Context, labID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.LabID == labID {
			n++
		}
	}
	return n, nil
}

func (s *RunStore) CountSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if !r.FinishedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
