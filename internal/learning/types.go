package learning

import (
	"time"
)

// LifecycleState is a rule's trust level.
type LifecycleState string

const (
	// StateCandidate is the initial state: evidence is accumulating.
	StateCandidate LifecycleState = "candidate"

	// StateShadow means the rule is applied invisibly and measured.
	StateShadow LifecycleState = "shadow"

	// StateActive means the rule shapes real output.
	StateActive LifecycleState = "active"

	// StateDeprecated means the rule regressed and was pulled back.
	// It may resume to active if its window recovers.
	StateDeprecated LifecycleState = "deprecated"

	// StateBlocked is terminal to automatic transitions: the rule
	// tripped a safety guard. Only a manual override leaves it.
	StateBlocked LifecycleState = "blocked"
)

// DecisionType names a lifecycle transition for the audit trail.
type DecisionType string

const (
	DecisionPromote     DecisionType = "promote"
	DecisionDemote      DecisionType = "demote"
	DecisionBlock       DecisionType = "block"
	DecisionResume      DecisionType = "resume"
	DecisionForceShadow DecisionType = "force_shadow"
	DecisionRollback    DecisionType = "rollback"
)

// ChangeType describes how a field changed between documents.
type ChangeType string

const (
	ChangeAddition     ChangeType = "addition"
	ChangeDeletion     ChangeType = "deletion"
	ChangeModification ChangeType = "modification"
)

// Severity grades how much a correction matters clinically.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleDefinition is the typed core of a rule, with an explicit
// extension map for category-specific detail instead of a free-form
// blob threaded through the pipeline.
type RuleDefinition struct {
	Category   RuleCategory      `json:"category"`
	Priority   int               `json:"priority"`
	Confidence float64           `json:"confidence"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// StructuredLearningEvent is one observed correction.
type StructuredLearningEvent struct {
	Section        string     `json:"section"`
	FieldPath      string     `json:"field_path"`
	BeforeValue    string     `json:"before_value"`
	AfterValue     string     `json:"after_value"`
	ChangeType     ChangeType `json:"change_type"`
	Severity       Severity   `json:"severity"`
	Category       RuleCategory `json:"category"`
	NormalizedText string     `json:"normalized_text"`

	// SignatureHash is the dedupe identity. Computed from the
	// normalized content when the producer leaves it empty.
	SignatureHash string `json:"signature_hash"`

	// Contradicts marks evidence that argues against the rule.
	Contradicts bool `json:"contradicts"`

	ObservedAt time.Time `json:"observed_at"`
}

// MetricsSnapshot freezes a rule's window metrics at decision time.
type MetricsSnapshot struct {
	Uses               int     `json:"uses"`
	Accepted           int     `json:"accepted"`
	Overridden         int     `json:"overridden"`
	AcceptanceRate     float64 `json:"acceptance_rate"`
	OverrideRate       float64 `json:"override_rate"`
	EditDelta          float64 `json:"edit_delta"`
	HallucinationDelta float64 `json:"hallucination_delta"`
	InconsistencyDelta float64 `json:"inconsistency_delta"`
	Score              float64 `json:"score"`
}

// RuleCandidate is one learned-rule row, owned exclusively by the
// lifecycle engine.
type RuleCandidate struct {
	// SignatureHash is the identity key.
	SignatureHash string `json:"signature_hash"`

	// RuleText is the human-readable statement of the correction.
	RuleText string `json:"rule_text"`

	// Rule is the typed machine-usable form.
	Rule RuleDefinition `json:"rule"`

	Category           RuleCategory   `json:"category"`
	EvidenceCount      int            `json:"evidence_count"`
	ContradictionCount int            `json:"contradiction_count"`

	// ConfidenceScore is always recomputed, never set directly.
	ConfidenceScore float64 `json:"confidence_score"`

	LifecycleState LifecycleState  `json:"lifecycle_state"`
	Metrics        MetricsSnapshot `json:"metrics_snapshot"`
	PromotedAt     *time.Time      `json:"promoted_at,omitempty"`
	BlockedReason  string          `json:"blocked_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvaluationWindow is the per-rule per-day aggregate feeding lifecycle
// decisions.
type EvaluationWindow struct {
	SignatureHash string `json:"signature_hash"`

	// Day is the UTC date (2006-01-02) the window covers.
	Day string `json:"day"`

	Uses       int `json:"uses"`
	Accepted   int `json:"accepted"`
	Overridden int `json:"overridden"`

	// Running means of the observed deltas.
	EditDelta          float64 `json:"edit_delta"`
	HallucinationDelta float64 `json:"hallucination_delta"`
	InconsistencyDelta float64 `json:"inconsistency_delta"`

	Score float64 `json:"score"`

	// LastSource and LastWeight record the trust weighting applied to
	// the most recent evaluation, kept for auditability.
	LastSource string  `json:"last_source"`
	LastWeight float64 `json:"last_weight"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AcceptanceRate is accepted/uses, zero before any use.
func (w *EvaluationWindow) AcceptanceRate() float64 {
	if w.Uses == 0 {
		return 0
	}
	return float64(w.Accepted) / float64(w.Uses)
}

// OverrideRate is overridden/uses, zero before any use.
func (w *EvaluationWindow) OverrideRate() float64 {
	if w.Uses == 0 {
		return 0
	}
	return float64(w.Overridden) / float64(w.Uses)
}

// Snapshot freezes the window into a MetricsSnapshot.
func (w *EvaluationWindow) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uses:               w.Uses,
		Accepted:           w.Accepted,
		Overridden:         w.Overridden,
		AcceptanceRate:     w.AcceptanceRate(),
		OverrideRate:       w.OverrideRate(),
		EditDelta:          w.EditDelta,
		HallucinationDelta: w.HallucinationDelta,
		InconsistencyDelta: w.InconsistencyDelta,
		Score:              w.Score,
	}
}

// LearningDecision is one append-only lifecycle transition record.
type LearningDecision struct {
	ID            string            `json:"id"`
	SignatureHash string            `json:"signature_hash"`
	DecisionType  DecisionType      `json:"decision_type"`
	PrevState     LifecycleState    `json:"prev_state"`
	NextState     LifecycleState    `json:"next_state"`
	Reason        string            `json:"reason"`
	Metrics       MetricsSnapshot   `json:"metrics_snapshot"`
	Context       map[string]string `json:"context,omitempty"`
	DecidedAt     time.Time         `json:"decided_at"`
}
