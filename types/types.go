// Package types defines the shared value types exchanged between the
// optimization components: prompt versions, human feedback, rewrite
// candidates, and the records produced by an optimization cycle.
package types

import (
	"regexp"
	"time"
)

// EmailScenario classifies the kind of email a prompt is drafting for.
// Scenario-specific reward weights and ideal length ranges key off it.
type EmailScenario string

const (
	ScenarioProfessional EmailScenario = "professional"
	ScenarioCasual       EmailScenario = "casual"
	ScenarioTechnical    EmailScenario = "technical"
	ScenarioUrgent       EmailScenario = "urgent"
)

// SystemPrompt is a versioned prompt artifact. At most one prompt per lab
// is active at any time; superseded versions are deactivated, never deleted.
type SystemPrompt struct {
	ID               string
	LabID            string
	Content          string
	Version          int
	IsActive         bool
	PerformanceScore *float64
	Parameters       []string
	CreatedAt        time.Time
}

var paramPattern = regexp.MustCompile(`\{(\w+)\}`)

// ExtractParameters returns the placeholder names found in a prompt
// template, in order of first appearance.
func ExtractParameters(content string) []string {
	seen := make(map[string]bool)
	var params []string
	for _, m := range paramPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			params = append(params, m[1])
		}
	}
	return params
}

// FeedbackAction is the judgment a human made on a generated draft.
type FeedbackAction string

const (
	ActionAccept FeedbackAction = "accept"
	ActionReject FeedbackAction = "reject"
	ActionEdit   FeedbackAction = "edit"
	ActionIgnore FeedbackAction = "ignore"
)

// UserFeedback is one immutable human judgment on one draft.
// FactorRatings maps reasoning-factor names to a 1-5 rating; a rating
// of 4 or above counts as "liked", below 3 as "disliked".
type UserFeedback struct {
	ID            string
	LabID         string
	DraftID       string
	Action        FeedbackAction
	Reason        string
	EditedContent string
	Scenario      EmailScenario
	FactorRatings map[string]int
	CreatedAt     time.Time
}

// IsNegative reports whether the feedback counts toward the negative
// ratio used by the optimization trigger.
func (f UserFeedback) IsNegative() bool {
	return f.Action == ActionReject || f.Action == ActionEdit
}

// FactorLiked reports whether a single factor rating counts as liked.
func FactorLiked(rating int) bool { return rating >= 4 }

// EvaluationFeedbackProxy stands in for live human feedback during
// offline evaluation, where no human is present to judge the output.
type EvaluationFeedbackProxy struct {
	Action        FeedbackAction
	FactorRatings map[string]int
}

// AcceptProxy returns the synthetic "accept" feedback used when scoring
// prompts against a test-case batch.
func AcceptProxy() *EvaluationFeedbackProxy {
	return &EvaluationFeedbackProxy{Action: ActionAccept}
}

// Proxy converts real feedback into the typed form the reward
// aggregator consumes.
func (f UserFeedback) Proxy() *EvaluationFeedbackProxy {
	return &EvaluationFeedbackProxy{Action: f.Action, FactorRatings: f.FactorRatings}
}

// TestCase is one offline evaluation input: an incoming email plus the
// qualities and length the drafted reply is expected to have.
type TestCase struct {
	ID                string
	Scenario          EmailScenario
	Subject           string
	EmailContent      string
	ExpectedOutput    string
	ExpectedQualities map[string]float64
	ExpectedLength    int
}

// RewriteCandidate is one proposed replacement for the current prompt.
type RewriteCandidate struct {
	Content     string  `json:"content" validate:"required"`
	Confidence  float64 `json:"confidence" validate:"min=0,max=1"`
	Temperature float64 `json:"temperature"`
	Reasoning   string  `json:"reasoning"`
	Mode        string  `json:"mode,omitempty"`
}

// PriorAttempt is one entry in the optimization trajectory handed to the
// rewriter's meta-prompt.
type PriorAttempt struct {
	Prompt string
	Score  float64
}

// RewriteContext carries everything the rewriter needs to propose
// candidates: the prompt being replaced, the feedback batch that
// triggered optimization, and the performance trajectory so far.
type RewriteContext struct {
	CurrentPrompt      string
	RecentFeedback     []UserFeedback
	PerformanceHistory []float64
	PriorAttempts      []PriorAttempt
	SuccessfulPrompts  []string
	FactorAverages     map[string]float64
	FocusAreas         []string
	Scenario           EmailScenario
	Constraints        map[string]string
}

// OptimizationResult is the outcome of one orchestration cycle.
type OptimizationResult struct {
	ID             string
	LabID          string
	TriggerReason  string
	Strategy       string
	BaselineScore  float64
	Candidates     []RewriteCandidate
	Best           *RewriteCandidate
	BestScore      float64
	ImprovementPct float64
	Deployed       bool
	FeedbackCount  int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// OptimizationRun is the persisted record of a completed cycle.
type OptimizationRun struct {
	ID             string
	LabID          string
	TriggerReason  string
	Strategy       string
	ImprovementPct float64
	Deployed       bool
	FeedbackCount  int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Run converts a cycle result into its persistent form.
func (r OptimizationResult) Run() OptimizationRun {
	return OptimizationRun{
		ID:             r.ID,
		LabID:          r.LabID,
		TriggerReason:  r.TriggerReason,
		Strategy:       r.Strategy,
		ImprovementPct: r.ImprovementPct,
		Deployed:       r.Deployed,
		FeedbackCount:  r.FeedbackCount,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
