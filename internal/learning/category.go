package learning

// RuleCategory classifies what kind of correction a rule encodes.
// Category weights bias confidence toward safety-relevant rules.
type RuleCategory string

const (
	// CategoryHallucination covers content the model invented.
	CategoryHallucination RuleCategory = "hallucination"

	// CategoryMissingData covers content the model dropped.
	CategoryMissingData RuleCategory = "missing_data"

	// CategoryClinical covers medically substantive corrections.
	CategoryClinical RuleCategory = "clinical"

	// CategoryTerminology covers preferred clinical vocabulary.
	CategoryTerminology RuleCategory = "terminology"

	// CategoryStyle covers phrasing and tone preferences.
	CategoryStyle RuleCategory = "style"

	// CategoryFormatting covers layout and markup preferences.
	CategoryFormatting RuleCategory = "formatting"
)

// categoryWeights bias the confidence score. Safety-relevant
// categories sit above 1.0, cosmetic ones below.
var categoryWeights = map[RuleCategory]float64{
	CategoryHallucination: 1.3,
	CategoryMissingData:   1.2,
	CategoryClinical:      1.15,
	CategoryTerminology:   1.0,
	CategoryStyle:         0.9,
	CategoryFormatting:    0.85,
}

// Weight returns the category's confidence weight, defaulting to 1.0
// for unrecognized categories.
func (c RuleCategory) Weight() float64 {
	if w, ok := categoryWeights[c]; ok {
		return w
	}
	return 1.0
}

// Valid reports whether the category is recognized.
func (c RuleCategory) Valid() bool {
	_, ok := categoryWeights[c]
	return ok
}
