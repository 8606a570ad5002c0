package evaluation

import (
	"context"
	"fmt"
	"sync"

	"github.com/optimail/optimail/types"
)

// CaseLibrary holds evaluation test cases keyed by scenario. It ships
// with a builtin set so a fresh deployment can evaluate prompts before
// any operator has curated cases, and labs can add their own on top.
type CaseLibrary struct {
	mu         sync.RWMutex
	byScenario map[types.EmailScenario][]types.TestCase
}

// NewCaseLibrary returns a library seeded with the builtin cases.
func NewCaseLibrary() *CaseLibrary {
	l := &CaseLibrary{byScenario: make(map[types.EmailScenario][]types.TestCase)}
	l.Add(builtinCases()...)
	return l
}

// Add registers cases under their scenarios.
func (l *CaseLibrary) Add(cases ...types.TestCase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tc := range cases {
		l.byScenario[tc.Scenario] = append(l.byScenario[tc.Scenario], tc)
	}
}

// TestCases returns up to limit cases for the scenario. When the
// scenario has no cases of its own, cases from all scenarios are pooled
// so evaluation always has something to run against.
func (l *CaseLibrary) TestCases(_ context.Context, scenario types.EmailScenario, limit int) ([]types.TestCase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cases := l.byScenario[scenario]
	if len(cases) == 0 {
		for _, cs := range l.byScenario {
			cases = append(cases, cs...)
		}
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("case library is empty")
	}

	out := make([]types.TestCase, len(cases))
	copy(out, cases)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func builtinCases() []types.TestCase {
	return []types.TestCase{
		{
			ID:           "prof-meeting-reschedule",
			Scenario:     types.ScenarioProfessional,
			Subject:      "Rescheduling Thursday's planning meeting",
			EmailContent: "Hi, something came up on my end and I can no longer make Thursday at 2pm. Could we move the planning meeting to Friday morning? Apologies for the short notice.",
			ExpectedQualities: map[string]float64{
				"clarity": 0.8, "tone": 0.9,
			},
			ExpectedLength: 90,
		},
		{
			ID:           "prof-proposal-followup",
			Scenario:     types.ScenarioProfessional,
			Subject:      "Following up on the Q3 proposal",
			EmailContent: "Hello, I wanted to check whether you had a chance to review the proposal we sent two weeks ago. We are finalizing our roadmap and your feedback would help us plan the next quarter.",
			ExpectedQualities: map[string]float64{
				"clarity": 0.8, "specificity": 0.7,
			},
			ExpectedLength: 110,
		},
		{
			ID:           "prof-invoice-query",
			Scenario:     types.ScenarioProfessional,
			Subject:      "Question about invoice #4821",
			EmailContent: "Hi, our accounting team flagged invoice #4821: the line items do not match the statement of work we signed. Could you clarify the discrepancy or send a corrected invoice?",
			ExpectedQualities: map[string]float64{
				"specificity": 0.9,
			},
			ExpectedLength: 100,
		},
		{
			ID:           "casual-lunch-plans",
			Scenario:     types.ScenarioCasual,
			Subject:      "Lunch on Friday?",
			EmailContent: "Hey! A few of us are grabbing lunch at the new taco place on Friday. Want to join? We're thinking around 12:30.",
			ExpectedQualities: map[string]float64{
				"tone": 0.9,
			},
			ExpectedLength: 40,
		},
		{
			ID:           "casual-photo-share",
			Scenario:     types.ScenarioCasual,
			Subject:      "Pics from the weekend",
			EmailContent: "Finally got around to uploading the hiking photos from last weekend. Link below. That ridge view came out amazing. We should do it again before the season ends.",
			ExpectedQualities: map[string]float64{
				"tone": 0.9,
			},
			ExpectedLength: 50,
		},
		{
			ID:           "tech-api-timeout",
			Scenario:     types.ScenarioTechnical,
			Subject:      "Intermittent 504s from the /search endpoint",
			EmailContent: "We are seeing intermittent 504 responses from your /search endpoint since Tuesday, roughly 2% of requests, mostly during EU morning hours. Retries succeed. Our request IDs are included below. Can you confirm whether this correlates with anything on your side?",
			ExpectedQualities: map[string]float64{
				"specificity": 0.9, "clarity": 0.8,
			},
			ExpectedLength: 160,
		},
		{
			ID:           "tech-migration-plan",
			Scenario:     types.ScenarioTechnical,
			Subject:      "Postgres 14 to 16 migration window",
			EmailContent: "Before we schedule the database migration, we need to agree on the rollback plan and the expected downtime. Our current estimate is 20 minutes of read-only mode. Does that work for your batch jobs, and do you need a staging dry run first?",
			ExpectedQualities: map[string]float64{
				"specificity": 0.9,
			},
			ExpectedLength: 180,
		},
		{
			ID:           "urgent-outage-notice",
			Scenario:     types.ScenarioUrgent,
			Subject:      "URGENT: checkout is down",
			EmailContent: "Checkout has been failing for all users for the past 10 minutes. We need an acknowledgment and an ETA immediately. Revenue impact is significant.",
			ExpectedQualities: map[string]float64{
				"clarity": 0.9,
			},
			ExpectedLength: 50,
		},
		{
			ID:           "urgent-deadline-slip",
			Scenario:     types.ScenarioUrgent,
			Subject:      "Need sign-off in the next hour",
			EmailContent: "The print deadline is 5pm today and legal still has not signed off on the final copy. If we miss the slot we lose the booking. Can you approve or escalate right now?",
			ExpectedQualities: map[string]float64{
				"clarity": 0.9,
			},
			ExpectedLength: 45,
		},
	}
}
