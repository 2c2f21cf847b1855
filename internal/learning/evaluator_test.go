package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEditDistanceRatio(t *testing.T) {
	assert.Equal(t, 0.0, editDistanceRatio("same text", "same text"))
	assert.Equal(t, 0.0, editDistanceRatio("", ""))
	assert.Equal(t, 1.0, editDistanceRatio("", "abcd"))

	// One substitution in a ten-byte string.
	assert.InDelta(t, 0.1, editDistanceRatio("abcdefghij", "abcdefghiX"), 1e-9)
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 3, levenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, levenshteinDistance("note", "note"))
	assert.Equal(t, 4, levenshteinDistance("note", ""))
}

func TestSplitSectionsAndChangeCount(t *testing.T) {
	before := "# Subjective\npatient reports pain\n# Assessment\nstable\n# Plan\nfollow up"
	after := "# Subjective\npatient reports pain\n# Assessment\nimproving\n# Plan\nfollow up in 2 weeks"

	assert.Equal(t, 2, countChangedSections(before, after))

	// Colon-style headings work too.
	before = "Subjective:\npain\nPlan:\nrest"
	after = "Subjective:\npain\nPlan:\nrest and ice"
	assert.Equal(t, 1, countChangedSections(before, after))

	// A section present only on one side counts as changed.
	assert.Equal(t, 1, countChangedSections("# A\nx", "# A\nx\n# B\ny"))
}

func TestTrivialEditFilter(t *testing.T) {
	// Case, punctuation, and whitespace only.
	assert.True(t, isTrivialEdit("Patient denies  fever.", "patient denies fever"))

	// Exact reordering of the same word multiset.
	assert.True(t, isTrivialEdit("fever and chills", "chills and fever"))

	// A substantive word change is not trivial.
	assert.False(t, isTrivialEdit("denies fever", "reports fever"))

	// Added words are not trivial.
	assert.False(t, isTrivialEdit("denies fever", "denies fever and chills"))
}

func TestEvaluatePairSourceSensitivity(t *testing.T) {
	before := "# Subjective\npatient reports mild headache for two days\n" +
		"# Assessment\ntension type headache likely\n# Plan\nhydration and rest"
	after := "# Subjective\npatient reports mild headache for two days\n" +
		"# Assessment\ntension type headache confirmed\n# Plan\nhydration and sleep"

	// Small edits across two sections: under both ratio thresholds,
	// at the explicit section count but under the autosave one.
	explicit := evaluatePair(before, after, SourceExplicitSave)
	assert.Equal(t, 2, explicit.sectionsChanged)
	assert.True(t, explicit.ratio < 0.18)
	assert.True(t, explicit.overridden)
	assert.Equal(t, 1.0, explicit.weight)

	autosave := evaluatePair(before, after, SourceAutosave)
	assert.False(t, autosave.overridden)
	assert.Equal(t, 0.5, autosave.weight)
}

func TestEvaluatePairTrivialNeverOverrides(t *testing.T) {
	ev := evaluatePair("ALPHA BRAVO, CHARLIE delta", "alpha bravo charlie delta", SourceExplicitSave)
	assert.True(t, ev.trivial)
	assert.False(t, ev.overridden)
}

func TestApplyEvaluationScore(t *testing.T) {
	w := &EvaluationWindow{SignatureHash: "sig", Day: "2026-08-28"}

	accepted := evaluation{ratio: 0.02, weight: 1.0}
	applyEvaluation(w, accepted, SourceExplicitSave, nil, nil, nil)

	assert.Equal(t, 1, w.Uses)
	assert.Equal(t, 1, w.Accepted)
	assert.InDelta(t, 0.02, w.EditDelta, 1e-9)
	// score = 1 − 0 − 1·0.02 − 0 − 0
	assert.InDelta(t, 0.98, w.Score, 1e-9)
	assert.Equal(t, string(SourceExplicitSave), w.LastSource)
	assert.Equal(t, 1.0, w.LastWeight)

	overridden := evaluation{ratio: 0.3, overridden: true, weight: 1.0}
	hallu := 0.01
	applyEvaluation(w, overridden, SourceExplicitSave, nil, &hallu, nil)

	assert.Equal(t, 2, w.Uses)
	assert.Equal(t, 1, w.Overridden)
	assert.InDelta(t, 0.16, w.EditDelta, 1e-9)
	assert.InDelta(t, 0.005, w.HallucinationDelta, 1e-9)
	// score = 0.5 − 0.8·0.5 − 0.16 − 4·0.005 − 0
	assert.InDelta(t, 0.5-0.4-0.16-0.02, w.Score, 1e-9)
}

func TestApplyEvaluationProducerDeltaWins(t *testing.T) {
	w := &EvaluationWindow{}
	edit := -0.2
	applyEvaluation(w, evaluation{ratio: 0.5, weight: 1.0}, SourceExplicitSave, &edit, nil, nil)
	assert.InDelta(t, -0.2, w.EditDelta, 1e-9)
}
