package learning

import (
	"math"
	"time"
)

// Confidence half-life constants. Evidence saturates after roughly a
// dozen observations; trust decays with a three-week time constant so
// stale rules fade without any explicit expiry.
const (
	evidenceSaturation = 4.0
	decayDays          = 21.0
	overrideCap        = 0.95
)

// confidenceScore computes a rule's confidence in [0,1] from its
// evidence volume, contradiction ratio, category, age, and most
// recent override rate.
func confidenceScore(rule *RuleCandidate, overrideRate float64, now time.Time) float64 {
	evidence := float64(rule.EvidenceCount)
	support := 1 - math.Exp(-evidence/evidenceSaturation)

	consistency := 1 - float64(rule.ContradictionCount)/float64(maxInt(1, rule.EvidenceCount))

	ageHours := now.Sub(rule.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	freshness := math.Exp(-ageHours / (24 * decayDays))

	override := clamp(overrideRate, 0, overrideCap)

	return clamp(support*consistency*rule.Category.Weight()*freshness*(1-override), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
