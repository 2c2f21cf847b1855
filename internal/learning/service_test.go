package learning

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/fault"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/storage"
)

type fakeAuditor struct {
	events   []string
	payloads []json.RawMessage
}

func (f *fakeAuditor) Enqueue(_ context.Context, eventType string, payload json.RawMessage) (*outbox.Item, error) {
	f.events = append(f.events, eventType)
	f.payloads = append(f.payloads, payload)
	return &outbox.Item{ID: "fake", EventType: eventType}, nil
}

func newTestService(t *testing.T) (*Service, *fakeAuditor) {
	t.Helper()
	auditor := &fakeAuditor{}
	svc, err := NewService(DefaultConfig(), storage.NewMemoryStore(), auditor, health.NewCounters(), zap.NewNop())
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC) }
	return svc, auditor
}

// seedRule writes a rule row directly, bypassing ingestion.
func seedRule(t *testing.T, svc *Service, rule RuleCandidate) {
	t.Helper()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = svc.now().UTC()
	}
	raw, err := json.Marshal(rule)
	require.NoError(t, err)
	_, err = svc.store.Insert(context.Background(), storage.CollectionRuleCandidates, rule.SignatureHash, raw)
	require.NoError(t, err)
}

func terminologyEvent(text string) StructuredLearningEvent {
	return StructuredLearningEvent{
		Section:        "Assessment",
		FieldPath:      "assessment.text",
		ChangeType:     ChangeModification,
		Severity:       SeverityInfo,
		Category:       CategoryTerminology,
		NormalizedText: text,
	}
}

func TestRecordEventCreatesAndAccumulates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := terminologyEvent("prefer myocardial infarction over heart attack")
	first, err := svc.RecordEvent(ctx, ev, "prefer the term myocardial infarction", RuleDefinition{Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, StateCandidate, first.LifecycleState)
	assert.Equal(t, 1, first.EvidenceCount)
	assert.NotEmpty(t, first.SignatureHash)
	assert.Greater(t, first.ConfidenceScore, 0.0)

	second, err := svc.RecordEvent(ctx, ev, "", RuleDefinition{})
	require.NoError(t, err)
	assert.Equal(t, first.SignatureHash, second.SignatureHash)
	assert.Equal(t, 2, second.EvidenceCount)
	assert.Greater(t, second.ConfidenceScore, first.ConfidenceScore)
}

func TestRecordEventPromotesAtEvidenceThreshold(t *testing.T) {
	svc, auditor := newTestService(t)
	ctx := context.Background()

	ev := terminologyEvent("prefer cerebrovascular accident over stroke")
	var rule *RuleCandidate
	var err error
	for i := 0; i < 3; i++ {
		rule, err = svc.RecordEvent(ctx, ev, "", RuleDefinition{})
		require.NoError(t, err)
	}
	assert.Equal(t, StateShadow, rule.LifecycleState)
	assert.Equal(t, []string{outbox.EventLearningDecision}, auditor.events)

	var decision LearningDecision
	require.NoError(t, json.Unmarshal(auditor.payloads[0], &decision))
	assert.Equal(t, DecisionPromote, decision.DecisionType)
	assert.Equal(t, StateCandidate, decision.PrevState)
	assert.Equal(t, StateShadow, decision.NextState)
}

func TestRecordEventContradictionsHoldPromotion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := terminologyEvent("always expand abbreviations on first use")
	for i := 0; i < 2; i++ {
		_, err := svc.RecordEvent(ctx, ev, "", RuleDefinition{})
		require.NoError(t, err)
	}

	contra := ev
	contra.Contradicts = true
	rule, err := svc.RecordEvent(ctx, contra, "", RuleDefinition{})
	require.NoError(t, err)

	// 1 contradiction out of 3: ratio 0.33 holds the rule back.
	assert.Equal(t, StateCandidate, rule.LifecycleState)
	assert.Equal(t, 3, rule.EvidenceCount)
	assert.Equal(t, 1, rule.ContradictionCount)
	assert.Equal(t, int64(1), svc.counters.Totals().RuleConflictIncidents)
}

func TestRecordEventValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordEvent(ctx, StructuredLearningEvent{Category: "mystery"}, "", RuleDefinition{})
	assert.True(t, fault.IsValidation(err))

	_, err = svc.RecordEvent(ctx, StructuredLearningEvent{Category: CategoryStyle}, "", RuleDefinition{})
	assert.True(t, fault.IsValidation(err))
}

func TestFormattingRulesDeduplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := StructuredLearningEvent{
		Section:        "Plan",
		FieldPath:      "plan.text",
		ChangeType:     ChangeModification,
		Category:       CategoryFormatting,
		NormalizedText: "use bullet points for medication lists",
	}
	first, err := svc.RecordEvent(ctx, ev, "use bullet points for medication lists", RuleDefinition{})
	require.NoError(t, err)

	// A reworded near-duplicate folds into the existing rule.
	reworded := ev
	reworded.NormalizedText = "Use bullet points for the medication lists."
	second, err := svc.RecordEvent(ctx, reworded, "use bullet points for the medication lists", RuleDefinition{})
	require.NoError(t, err)

	assert.Equal(t, first.SignatureHash, second.SignatureHash)
	assert.Equal(t, 2, second.EvidenceCount)

	rules, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestEvaluateOneHopPerCycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-a",
		RuleText:       "document allergies in a dedicated section",
		Category:       CategoryClinical,
		EvidenceCount:  5,
		LifecycleState: StateCandidate,
	})

	edit := -0.1
	req := EvaluateRequest{
		CandidateIDs: []string{"rule-a"},
		AIOutput:     "# Allergies\nnone recorded",
		DoctorOutput: "# Allergies\npenicillin, documented 2019",
		Source:       SourceExplicitSave,
		EditDelta:    &edit,
	}

	// First cycle promotes candidate to shadow only, even though the
	// window would already satisfy the activation guard.
	decisions, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, StateShadow, decisions[0].NextState)

	// Second cycle reaches active.
	decisions, err = svc.Evaluate(ctx, req)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, StateActive, decisions[0].NextState)
	assert.Equal(t, DecisionPromote, decisions[0].DecisionType)

	rule, err := svc.Get(ctx, "rule-a")
	require.NoError(t, err)
	assert.Equal(t, StateActive, rule.LifecycleState)
	require.NotNil(t, rule.PromotedAt)
	assert.Equal(t, int64(2), svc.counters.Totals().RulePromotions)
}

func TestLifecyclePromoteThenSafetyTrip(t *testing.T) {
	svc, auditor := newTestService(t)
	ctx := context.Background()

	// Three corroborating corrections create the rule and promote the
	// candidate to shadow.
	ev := terminologyEvent("spell out left ventricular ejection fraction")
	var rule *RuleCandidate
	var err error
	for i := 0; i < 3; i++ {
		rule, err = svc.RecordEvent(ctx, ev, "", RuleDefinition{})
		require.NoError(t, err)
	}
	require.Equal(t, StateShadow, rule.LifecycleState)

	// A clean explicit-save window satisfies the activation guard.
	edit := -0.1
	decisions, err := svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs: []string{rule.SignatureHash},
		AIOutput:     "lvef 55%",
		DoctorOutput: "left ventricular ejection fraction 55%",
		Source:       SourceExplicitSave,
		EditDelta:    &edit,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, StateActive, decisions[0].NextState)

	// The next day's window opens with a hallucination spike past the
	// trip threshold, blocking the active rule.
	svc.now = func() time.Time { return time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC) }
	hallu := 0.02
	decisions, err = svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs:       []string{rule.SignatureHash},
		AIOutput:           "lvef 55%, on beta blockers",
		DoctorOutput:       "left ventricular ejection fraction 55%",
		Source:             SourceExplicitSave,
		HallucinationDelta: &hallu,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionBlock, decisions[0].DecisionType)

	final, err := svc.Get(ctx, rule.SignatureHash)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, final.LifecycleState)
	assert.Len(t, auditor.events, 3)
}

func TestEvaluateSafetyTripBlocks(t *testing.T) {
	svc, auditor := newTestService(t)
	ctx := context.Background()

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-b",
		RuleText:       "summarize vitals at the top",
		Category:       CategoryStyle,
		EvidenceCount:  10,
		LifecycleState: StateActive,
	})

	hallu := 0.02
	decisions, err := svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs:       []string{"rule-b"},
		AIOutput:           "vitals stable",
		DoctorOutput:       "vitals stable, removed invented blood pressure reading",
		Source:             SourceExplicitSave,
		HallucinationDelta: &hallu,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionBlock, decisions[0].DecisionType)
	assert.Equal(t, StateBlocked, decisions[0].NextState)

	rule, err := svc.Get(ctx, "rule-b")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, rule.LifecycleState)
	assert.Contains(t, rule.BlockedReason, "safety trip")
	assert.Equal(t, []string{outbox.EventLearningDecision}, auditor.events)
	assert.Equal(t, int64(1), svc.counters.Totals().RuleConflictIncidents)

	// Blocked is terminal: a pristine follow-up window moves nothing.
	good := -0.5
	decisions, err = svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs: []string{"rule-b"},
		AIOutput:     "a",
		DoctorOutput: "a",
		Source:       SourceExplicitSave,
		EditDelta:    &good,
	})
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestEvaluateTrivialEditNotOverridden(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-c",
		RuleText:       "lowercase drug names",
		Category:       CategoryFormatting,
		LifecycleState: StateShadow,
	})

	_, err := svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs: []string{"rule-c"},
		AIOutput:     "Aspirin 81MG daily.",
		DoctorOutput: "aspirin 81mg daily",
		Source:       SourceExplicitSave,
	})
	require.NoError(t, err)

	window, _, err := svc.getWindow(ctx, "rule-c", svc.now().UTC().Format(windowDayFormat))
	require.NoError(t, err)
	assert.Equal(t, 1, window.Uses)
	assert.Equal(t, 1, window.Accepted)
	assert.Equal(t, 0, window.Overridden)
}

func TestEvaluateKillSwitch(t *testing.T) {
	auditor := &fakeAuditor{}
	cfg := DefaultConfig()
	cfg.DisableAutoPromote = true
	svc, err := NewService(cfg, storage.NewMemoryStore(), auditor, health.NewCounters(), zap.NewNop())
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-d",
		RuleText:       "spell out units",
		Category:       CategoryTerminology,
		EvidenceCount:  20,
		LifecycleState: StateCandidate,
	})

	edit := -0.2
	decisions, err := svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs: []string{"rule-d"},
		AIOutput:     "5 mg",
		DoctorOutput: "five milligrams",
		Source:       SourceExplicitSave,
		EditDelta:    &edit,
	})
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Empty(t, auditor.events)

	// Windows and metrics still advance under the kill switch.
	rule, err := svc.Get(ctx, "rule-d")
	require.NoError(t, err)
	assert.Equal(t, StateCandidate, rule.LifecycleState)
	assert.Equal(t, 1, rule.Metrics.Uses)
}

func TestEvaluateValidationAndUnknownRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Evaluate(ctx, EvaluateRequest{AIOutput: "a", DoctorOutput: "b"})
	assert.True(t, fault.IsValidation(err))

	// Unknown candidates are skipped, not fatal.
	decisions, err := svc.Evaluate(ctx, EvaluateRequest{
		CandidateIDs: []string{"ghost"},
		AIOutput:     "a",
		DoctorOutput: "b",
		Source:       SourceAutosave,
	})
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestForceShadowManualOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-e",
		RuleText:       "omit normal findings",
		Category:       CategoryStyle,
		LifecycleState: StateBlocked,
		BlockedReason:  "safety trip",
	})

	decision, err := svc.ForceShadow(ctx, "rule-e", "dr.ops", "reviewed, false positive")
	require.NoError(t, err)
	assert.Equal(t, DecisionForceShadow, decision.DecisionType)
	assert.Equal(t, "dr.ops", decision.Context["operator"])

	rule, err := svc.Get(ctx, "rule-e")
	require.NoError(t, err)
	assert.Equal(t, StateShadow, rule.LifecycleState)
	assert.Empty(t, rule.BlockedReason)

	_, err = svc.ForceShadow(ctx, "rule-e", "dr.ops", "again")
	assert.True(t, fault.IsValidation(err))

	_, err = svc.ForceShadow(ctx, "missing", "dr.ops", "")
	assert.True(t, fault.IsNotFound(err))
}

func TestDecisionsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	tick := base
	svc.now = func() time.Time { return tick }

	seedRule(t, svc, RuleCandidate{
		SignatureHash:  "rule-f",
		RuleText:       "keep plan items numbered",
		Category:       CategoryFormatting,
		EvidenceCount:  5,
		LifecycleState: StateCandidate,
	})

	edit := -0.1
	req := EvaluateRequest{
		CandidateIDs: []string{"rule-f"},
		AIOutput:     "1. rest",
		DoctorOutput: "1. rest 2. fluids",
		Source:       SourceExplicitSave,
		EditDelta:    &edit,
	}

	_, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	tick = base.Add(time.Minute)
	_, err = svc.Evaluate(ctx, req)
	require.NoError(t, err)

	decisions, err := svc.Decisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, StateActive, decisions[0].NextState)
	assert.Equal(t, StateShadow, decisions[1].NextState)
	assert.True(t, decisions[0].DecidedAt.After(decisions[1].DecidedAt))

	limited, err := svc.Decisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, StateActive, limited[0].NextState)
}
