package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// formatSimilarityFloor is the normalized Levenshtein ratio above
// which two formatting rules are treated as the same rule.
const formatSimilarityFloor = 0.82

// computeSignature derives the dedupe identity of an event from its
// stable coordinates and normalized content.
func computeSignature(ev StructuredLearningEvent) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(ev.Section))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(ev.FieldPath))))
	h.Write([]byte{0})
	h.Write([]byte(ev.ChangeType))
	h.Write([]byte{0})
	h.Write([]byte(normalizeRuleText(ev.NormalizedText)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeRuleText collapses case, punctuation, and whitespace so
// cosmetic variants hash and compare identically.
func normalizeRuleText(s string) string {
	return strings.Join(normalizeWords(s), " ")
}

// similarFormatRules reports whether two formatting rules describe
// the same correction. Substring containment or a high normalized
// Levenshtein similarity on the normalized text counts as a match.
//
// This is a lexical stand-in for semantic similarity and can both
// under- and over-merge; a canonicalization or embedding based
// measure should eventually replace it.
func similarFormatRules(a, b string) bool {
	na, nb := normalizeRuleText(a), normalizeRuleText(b)
	if na == "" || nb == "" {
		return na == nb
	}
	if na == nb {
		return true
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}

	longer := len(na)
	if len(nb) > longer {
		longer = len(nb)
	}
	similarity := 1 - float64(levenshteinDistance(na, nb))/float64(longer)
	return similarity >= formatSimilarityFloor
}
