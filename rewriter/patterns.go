package rewriter

import (
	"strings"

	"github.com/optimail/optimail/types"
)

// Pattern is one cached rewrite rule: when the feedback for a scenario
// mentions the trigger, the clause is appended to the prompt.
type Pattern struct {
	Trigger    string
	Clause     string
	Confidence float64
}

// PatternLibrary holds pre-registered rewrite patterns keyed by
// scenario. Matching is a substring check over the batch's feedback
// reasons, so the cached tier stays sub-second.
type PatternLibrary struct {
	patterns map[types.EmailScenario][]Pattern
}

// NewPatternLibrary returns the stock library, covering the complaints
// that show up most often in drafting feedback.
func NewPatternLibrary() *PatternLibrary {
	lib := &PatternLibrary{patterns: make(map[types.EmailScenario][]Pattern)}

	common := []Pattern{
		{Trigger: "too long", Clause: "Keep replies concise; do not pad with filler.", Confidence: 0.7},
		{Trigger: "too short", Clause: "Cover every question raised in the email before closing.", Confidence: 0.7},
		{Trigger: "too formal", Clause: "Use a warm, conversational register.", Confidence: 0.65},
		{Trigger: "too casual", Clause: "Keep the register professional and measured.", Confidence: 0.65},
		{Trigger: "greeting", Clause: "Open with an appropriate greeting that names the sender.", Confidence: 0.6},
		{Trigger: "sign", Clause: "Close with a brief sign-off.", Confidence: 0.6},
	}
	for _, scenario := range []types.EmailScenario{
		types.ScenarioProfessional, types.ScenarioCasual,
		types.ScenarioTechnical, types.ScenarioUrgent,
	} {
		lib.patterns[scenario] = append(lib.patterns[scenario], common...)
	}

	lib.patterns[types.ScenarioTechnical] = append(lib.patterns[types.ScenarioTechnical],
		Pattern{Trigger: "vague", Clause: "Reference the specific systems, versions, and error messages mentioned.", Confidence: 0.7},
	)
	lib.patterns[types.ScenarioUrgent] = append(lib.patterns[types.ScenarioUrgent],
		Pattern{Trigger: "slow", Clause: "Lead with the action being taken and when it completes.", Confidence: 0.7},
	)

	return lib
}

// Register adds a pattern for a scenario.
func (l *PatternLibrary) Register(scenario types.EmailScenario, p Pattern) {
	l.patterns[scenario] = append(l.patterns[scenario], p)
}

// Match returns the first pattern whose trigger appears in the batch's
// feedback reasons, or false when nothing fires.
func (l *PatternLibrary) Match(rc types.RewriteContext) (Pattern, bool) {
	var reasons strings.Builder
	for _, fb := range rc.RecentFeedback {
		reasons.WriteString(strings.ToLower(fb.Reason))
		reasons.WriteByte(' ')
	}
	haystack := reasons.String()

	for _, p := range l.patterns[rc.Scenario] {
		if strings.Contains(haystack, p.Trigger) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Rule-based augmentations appended when no cached pattern fires, keyed
// by the primary issue in the feedback batch.
var augmentations = map[string]string{
	issueClarity:     "Re-read the incoming email and mirror its intent directly; avoid ambiguous phrasing and an inappropriate tone.",
	issueSpecificity: "Be specific: name dates, people, and deliverables from the incoming email instead of generic phrasing.",
	issueGuidance:    "Think step by step: identify the sender's requests, answer each one, then close.",
	issueGeneral:     "Think step by step about what the sender needs before drafting the reply.",
}
