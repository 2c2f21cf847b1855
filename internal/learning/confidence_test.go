package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfidenceMonotonicInEvidence(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	prev := 0.0
	for evidence := 1; evidence <= 30; evidence++ {
		rule := &RuleCandidate{
			Category:      CategoryTerminology,
			EvidenceCount: evidence,
			CreatedAt:     now,
		}
		score := confidenceScore(rule, 0, now)
		assert.Greater(t, score, prev, "evidence=%d", evidence)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}
}

func TestConfidenceDecaysWithAge(t *testing.T) {
	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rule := &RuleCandidate{Category: CategoryStyle, EvidenceCount: 10, CreatedAt: created}

	fresh := confidenceScore(rule, 0, created)
	aged := confidenceScore(rule, 0, created.AddDate(0, 0, 21))
	ancient := confidenceScore(rule, 0, created.AddDate(0, 0, 210))

	assert.Greater(t, fresh, aged)
	assert.Greater(t, aged, ancient)
	// One decay constant of age costs a factor of e.
	assert.InDelta(t, fresh/aged, 2.718, 0.01)
}

func TestConfidenceContradictionsAndOverrides(t *testing.T) {
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	clean := &RuleCandidate{Category: CategoryStyle, EvidenceCount: 8, CreatedAt: now}
	dirty := &RuleCandidate{Category: CategoryStyle, EvidenceCount: 8, ContradictionCount: 4, CreatedAt: now}

	assert.Greater(t, confidenceScore(clean, 0, now), confidenceScore(dirty, 0, now))
	assert.Greater(t, confidenceScore(clean, 0, now), confidenceScore(clean, 0.5, now))

	// The override penalty is capped: a fully overridden rule keeps a
	// sliver of confidence rather than zeroing out.
	assert.Greater(t, confidenceScore(clean, 1.0, now), 0.0)
}

func TestConfidenceCategoryBias(t *testing.T) {
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	mk := func(c RuleCategory) float64 {
		return confidenceScore(&RuleCandidate{Category: c, EvidenceCount: 5, CreatedAt: now}, 0, now)
	}

	assert.Greater(t, mk(CategoryHallucination), mk(CategoryTerminology))
	assert.Greater(t, mk(CategoryTerminology), mk(CategoryFormatting))
}
