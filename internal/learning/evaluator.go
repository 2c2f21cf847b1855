package learning

import (
	"sort"
	"strings"
	"unicode"
)

// Source identifies where a before/after document pair came from.
// Low-signal sources use less sensitive override thresholds and a
// lower trust weight.
type Source string

const (
	// SourceExplicitSave is a deliberate clinician save action.
	SourceExplicitSave Source = "explicit_save"

	// SourceAutosave is a periodic snapshot; edits may be mid-flight.
	SourceAutosave Source = "autosave"
)

// sourceProfile bundles a source's trust weight and override
// sensitivity.
type sourceProfile struct {
	weight           float64
	ratioThreshold   float64
	sectionThreshold int
}

var sourceProfiles = map[Source]sourceProfile{
	SourceExplicitSave: {weight: 1.0, ratioThreshold: 0.18, sectionThreshold: 2},
	SourceAutosave:     {weight: 0.5, ratioThreshold: 0.35, sectionThreshold: 3},
}

// profile returns the source's profile, defaulting unknown sources to
// the explicit-save sensitivity.
func (s Source) profile() sourceProfile {
	if p, ok := sourceProfiles[s]; ok {
		return p
	}
	return sourceProfiles[SourceExplicitSave]
}

// TrustWeight exposes the source's scoring weight.
func (s Source) TrustWeight() float64 { return s.profile().weight }

// editDistanceRatio is the normalized Levenshtein distance between
// the two documents: distance over the longer length, in [0,1].
func editDistanceRatio(aiOutput, doctorOutput string) float64 {
	if aiOutput == doctorOutput {
		return 0
	}
	denom := len(aiOutput)
	if len(doctorOutput) > denom {
		denom = len(doctorOutput)
	}
	if denom == 0 {
		return 0
	}
	return float64(levenshteinDistance(aiOutput, doctorOutput)) / float64(denom)
}

// levenshteinDistance computes the edit distance between two strings
// using a two-row rolling matrix.
func levenshteinDistance(s1, s2 string) int {
	len1, len2 := len(s1), len(s2)
	if len1 == 0 {
		return len2
	}
	if len2 == 0 {
		return len1
	}

	prev := make([]int, len2+1)
	curr := make([]int, len2+1)
	for j := 0; j <= len2; j++ {
		prev[j] = j
	}

	for i := 1; i <= len1; i++ {
		curr[0] = i
		for j := 1; j <= len2; j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len2]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// splitSections breaks a document into labeled sections. A heading is
// a markdown heading line or a short standalone label line ending in
// a colon. Content before the first heading lands in the "" section.
func splitSections(doc string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 || current != "" {
			sections[current] = strings.TrimSpace(sections[current] + "\n" + buf.String())
		}
		buf.Reset()
	}

	for _, line := range strings.Split(doc, "\n") {
		if label, ok := headingLabel(line); ok {
			flush()
			current = label
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return sections
}

func headingLabel(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "#") {
		return strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "# "))), true
	}
	if strings.HasSuffix(trimmed, ":") && len(trimmed) <= 64 && !strings.ContainsAny(trimmed[:len(trimmed)-1], ".:") {
		return strings.ToLower(strings.TrimSuffix(trimmed, ":")), true
	}
	return "", false
}

// countChangedSections counts labeled sections whose trimmed content
// differs between the two documents. Sections present in only one
// document count as changed.
func countChangedSections(aiOutput, doctorOutput string) int {
	before := splitSections(aiOutput)
	after := splitSections(doctorOutput)

	changed := 0
	for label, content := range before {
		if other, ok := after[label]; !ok || strings.TrimSpace(other) != strings.TrimSpace(content) {
			changed++
		}
	}
	for label := range after {
		if _, ok := before[label]; !ok {
			changed++
		}
	}
	return changed
}

// isTrivialEdit reports whether the doctor's edit differs from the
// model output only by whitespace, punctuation, or case, or is an
// exact reordering of the same word multiset. Trivial edits never
// count as overrides.
func isTrivialEdit(aiOutput, doctorOutput string) bool {
	a := normalizeWords(aiOutput)
	b := normalizeWords(doctorOutput)
	if len(a) != len(b) {
		return false
	}

	// Same normalized sequence: whitespace/punctuation/case only.
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		return true
	}

	// Same word multiset: a pure reordering.
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalizeWords lowercases, strips punctuation, and splits on
// whitespace.
func normalizeWords(s string) []string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
		// Punctuation and symbols are dropped.
	}
	return strings.Fields(sb.String())
}

// evaluation is the outcome of scoring one document pair against one
// rule's window.
type evaluation struct {
	ratio           float64
	sectionsChanged int
	trivial         bool
	overridden      bool
	weight          float64
}

// evaluatePair classifies one before/after pair under a source's
// sensitivity profile.
func evaluatePair(aiOutput, doctorOutput string, source Source) evaluation {
	p := source.profile()
	ev := evaluation{
		ratio:           editDistanceRatio(aiOutput, doctorOutput),
		sectionsChanged: countChangedSections(aiOutput, doctorOutput),
		weight:          p.weight,
	}
	ev.trivial = isTrivialEdit(aiOutput, doctorOutput)
	if !ev.trivial && (ev.ratio > p.ratioThreshold || ev.sectionsChanged >= p.sectionThreshold) {
		ev.overridden = true
	}
	return ev
}

// applyEvaluation folds one evaluation plus its producer-supplied
// deltas into the window and recomputes the score.
//
// The score weights safety-relevant deltas four times more heavily
// than stylistic edit distance, scaled by the source trust weight:
//
//	score = acceptance_rate − 0.8·w·override_rate − w·edit_delta
//	        − 4·w·max(0,hallucination_delta) − 4·w·max(0,inconsistency_delta)
func applyEvaluation(w *EvaluationWindow, ev evaluation, source Source, editDelta, hallucinationDelta, inconsistencyDelta *float64) {
	w.Uses++
	if ev.overridden {
		w.Overridden++
	} else {
		w.Accepted++
	}

	editObs := ev.ratio
	if editDelta != nil {
		editObs = *editDelta
	}
	w.EditDelta = runningMean(w.EditDelta, editObs, w.Uses)
	w.HallucinationDelta = runningMean(w.HallucinationDelta, deref(hallucinationDelta), w.Uses)
	w.InconsistencyDelta = runningMean(w.InconsistencyDelta, deref(inconsistencyDelta), w.Uses)

	weight := ev.weight
	w.Score = w.AcceptanceRate() -
		0.8*weight*w.OverrideRate() -
		weight*w.EditDelta -
		4*weight*maxFloat(0, w.HallucinationDelta) -
		4*weight*maxFloat(0, w.InconsistencyDelta)

	w.LastSource = string(source)
	w.LastWeight = weight
}

func runningMean(mean, obs float64, n int) float64 {
	if n <= 1 {
		return obs
	}
	return mean + (obs-mean)/float64(n)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
