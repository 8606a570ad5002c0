// Package store defines the persistence interfaces the optimization
// engine depends on. Control logic never touches a database directly;
// it is handed these interfaces so it can run against the in-memory
// fakes in tests and the sqlite implementation in production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/optimail/optimail/types"
)

// ErrNoActivePrompt is returned when a lab has no active prompt version.
var ErrNoActivePrompt = errors.New("no active prompt for lab")

// PromptStore manages versioned system prompts. Implementations must
// keep the one-active-prompt-per-lab invariant: Deploy atomically
// deactivates the previous active version and activates the new one,
// with no window where zero or two versions are active.
type PromptStore interface {
	// ActivePrompt returns the lab's single active prompt, or
	// ErrNoActivePrompt.
	ActivePrompt(ctx context.Context, labID string) (*types.SystemPrompt, error)

	// Create seeds a lab with version 1, active.
	Create(ctx context.Context, labID, content string) (*types.SystemPrompt, error)

	// Deploy atomically supersedes the active prompt with a new version
	// (previous active version + 1) carrying the measured score.
	Deploy(ctx context.Context, labID, content string, score float64) (*types.SystemPrompt, error)

	// VersionScores returns the performance scores of the lab's most
	// recent scored versions, oldest first, at most limit entries.
	VersionScores(ctx context.Context, labID string, limit int) ([]float64, error)

	// Versions returns the lab's most recent prompt versions, oldest
	// first, at most limit entries.
	Versions(ctx context.Context, labID string, limit int) ([]*types.SystemPrompt, error)
}

// FeedbackStore reads the human feedback stream.
type FeedbackStore interface {
	// Add records one immutable feedback item.
	Add(ctx context.Context, fb types.UserFeedback) error

	// Since returns all feedback created at or after the given time,
	// across labs, oldest first.
	Since(ctx context.Context, since time.Time) ([]types.UserFeedback, error)

	// RecentForLab returns the lab's most recent feedback, newest
	// first, at most limit entries.
	RecentForLab(ctx context.Context, labID string, limit int) ([]types.UserFeedback, error)

	// CountForLab returns the lab's total feedback count.
	CountForLab(ctx context.Context, labID string) (int, error)
}

// RunStore records completed optimization cycles.
type RunStore interface {
	// Record persists one completed cycle.
	Record(ctx context.Context, run types.OptimizationRun) error

	// CountForLab returns how many optimization cycles have run for the
	// lab in total.
	CountForLab(ctx context.Context, labID string) (int, error)

	// CountSince returns how many cycles ran across all labs at or
	// after the given time. The orchestrator uses it to enforce the
	// daily quota, so the count must survive restarts.
	CountSince(ctx context.Context, since time.Time) (int, error)
}
