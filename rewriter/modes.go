// Package rewriter proposes candidate replacements for the current
// system prompt. Callers pick an optimization mode to trade quality for
// latency; every LLM-backed tier degrades to the next-cheaper tier on
// timeout or provider failure instead of failing outright.
package rewriter

// Mode selects the rewrite tier.
type Mode string

const (
	// ModeCached tries the pre-registered pattern library first and
	// falls back to rule-based template augmentation. Sub-second; never
	// fails. One candidate.
	ModeCached Mode = "cached"

	// ModeSingleShot makes one focused LLM call targeting the single
	// primary issue derived from the feedback histogram. ~10s. One
	// candidate.
	ModeSingleShot Mode = "single_shot"

	// ModeMiniOPRO builds a trajectory meta-prompt and requests three
	// variations at staggered temperatures. ~15-30s. Three candidates.
	ModeMiniOPRO Mode = "mini_opro"

	// Legacy family: similarity matching against historically successful
	// prompts plus meta-prompt-template-guided rewriting. Unbounded.
	ModeConservative Mode = "conservative" // 1 low-temperature candidate
	ModeExploratory  Mode = "exploratory"  // 3 high-temperature candidates
	ModeHybrid       Mode = "hybrid"       // 1 conservative + 2 exploratory
)

// downgrade returns the next-cheaper tier. The chain is
// legacy -> mini_opro -> single_shot -> cached; cached has no fallback
// because it cannot fail.
func downgrade(m Mode) (Mode, bool) {
	switch m {
	case ModeConservative, ModeExploratory, ModeHybrid:
		return ModeMiniOPRO, true
	case ModeMiniOPRO:
		return ModeSingleShot, true
	case ModeSingleShot:
		return ModeCached, true
	default:
		return "", false
	}
}

// IsValid reports whether m names a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeCached, ModeSingleShot, ModeMiniOPRO, ModeConservative, ModeExploratory, ModeHybrid:
		return true
	}
	return false
}
