package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeSignatureStability(t *testing.T) {
	ev := StructuredLearningEvent{
		Section:        "Plan",
		FieldPath:      "plan.follow_up",
		ChangeType:     ChangeModification,
		NormalizedText: "use bullet points for medication lists",
		ObservedAt:     time.Now(),
	}

	sig := computeSignature(ev)
	assert.Len(t, sig, 64)

	// Timestamps and cosmetic text variation do not change identity.
	ev.ObservedAt = ev.ObservedAt.Add(time.Hour)
	ev.NormalizedText = "Use  bullet points, for medication lists!"
	ev.Section = " plan "
	assert.Equal(t, sig, computeSignature(ev))

	// Different content does.
	ev.NormalizedText = "spell out drug names in full"
	assert.NotEqual(t, sig, computeSignature(ev))
}

func TestSimilarFormatRules(t *testing.T) {
	assert.True(t, similarFormatRules(
		"use bullet points for medication lists",
		"Use bullet points for medication lists.",
	))

	// Substring containment merges.
	assert.True(t, similarFormatRules(
		"use bullet points for medication lists",
		"use bullet points",
	))

	// A small wording drift above the similarity floor merges.
	assert.True(t, similarFormatRules(
		"always capitalize section headings in the note",
		"always capitalise section headings in the note",
	))

	// Unrelated rules stay apart.
	assert.False(t, similarFormatRules(
		"use bullet points for medication lists",
		"write dates in ISO 8601 format",
	))

	assert.False(t, similarFormatRules("", "anything"))
}
