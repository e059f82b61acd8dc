// Package score computes the 0-100 priority score for a change request as a
// weighted sum of clamped terms. The score is recomputed in full on every
// analysis pass so it always matches its breakdown.
package score

import (
	"strings"

	"github.com/prcopilot/internal/triage"
)

// Term sub-ranges. Sub-range ceilings sum above 100 on purpose; the final
// clamp bounds the total.
const (
	impactMax  = 40
	urgencyMax = 25
	trustMax   = 15
	qualityMin = -15
	qualityMax = 20

	// Blocked/Stale items must not look urgent no matter how old they are.
	staleCeiling = 20
)

// Breakdown factor names.
const (
	FactorImpact       = "impact"
	FactorUrgency      = "urgency"
	FactorTrust        = "trust"
	FactorQuality      = "quality"
	FactorStalePenalty = "stale_penalty"
)

// Score computes the priority and per-factor contributions. The breakdown
// entries always sum to the returned score.
func Score(sig *triage.SignalSet, classification triage.Category) (int, map[string]int) {
	breakdown := map[string]int{
		FactorImpact:  impact(sig),
		FactorUrgency: urgency(sig, classification),
		FactorTrust:   trust(sig),
		FactorQuality: quality(sig),
	}

	total := 0
	for _, v := range breakdown {
		total += v
	}

	if classification == triage.CategoryBlockedStale && total > staleCeiling {
		breakdown[FactorStalePenalty] = staleCeiling - total
		total = staleCeiling
	}

	if total < 0 {
		// Keep the breakdown consistent with the clamped floor.
		breakdown[FactorQuality] -= total
		total = 0
	}
	if total > 100 {
		breakdown[FactorImpact] -= total - 100
		total = 100
	}

	return total, breakdown
}

// impact weighs what kind of change this is: security and bug fixes beat
// features; documentation and chores trail.
func impact(sig *triage.SignalSet) int {
	text := strings.ToLower(sig.Title)
	for _, l := range sig.Labels {
		text += " " + strings.ToLower(l)
	}

	switch {
	case containsAny(text, "security", "vulnerability", "cve", "exploit"):
		return impactMax
	case containsAny(text, "fix", "bug", "crash", "regression", "panic"):
		return 35
	case containsAny(text, "docs", "documentation", "typo", "chore", "comment"):
		return 10
	case containsAny(text, "feat", "feature", "add", "implement"):
		return 25
	default:
		return 20
	}
}

// urgency grows with age for unresolved items. Blocked/Stale gets no urgency
// at all; the overall stale ceiling handles the rest.
func urgency(sig *triage.SignalSet, classification triage.Category) int {
	if classification == triage.CategoryBlockedStale {
		return 0
	}

	ageDays := sig.AgeHours / 24
	u := 5 + int(ageDays*2)
	return clamp(u, 0, urgencyMax)
}

// trust grants a fixed bonus for known contributors. New contributors get
// nothing but are never penalized.
func trust(sig *triage.SignalSet) int {
	switch sig.TrustTier {
	case triage.TrustTrusted:
		return trustMax
	case triage.TrustReturning:
		return 8
	default:
		return 0
	}
}

// quality rewards passing checks and small diffs; failing CI subtracts.
func quality(sig *triage.SignalSet) int {
	q := 0
	switch sig.CIStatus {
	case triage.CIPassing:
		q += 10
	case triage.CIFailing:
		q -= 15
	}

	switch {
	case sig.DiffSize < triage.SmallDiffLines:
		q += 10
	case sig.DiffSize < triage.LargeDiffLines:
		q += 5
	}

	return clamp(q, qualityMin, qualityMax)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
