package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/fault"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/storage"
)

const instrumentationName = "github.com/fernhealth/scribed/internal/learning"

const windowDayFormat = "2006-01-02"

// casAttempts bounds the optimistic-update retry loop on rule rows.
const casAttempts = 3

// Auditor is the slice of the outbox the lifecycle engine needs:
// durable, non-blocking event publication. *outbox.Service satisfies
// it.
type Auditor interface {
	Enqueue(ctx context.Context, eventType string, payload json.RawMessage) (*outbox.Item, error)
}

// Config tunes the lifecycle engine.
type Config struct {
	// Guards are the transition thresholds. Zero-value fields fall
	// back to DefaultGuards.
	Guards Guards

	// DisableAutoPromote is the kill switch: when set, every guard
	// evaluates false. Windows, scores, and confidence are still
	// computed; no automatic transitions happen.
	DisableAutoPromote bool
}

// DefaultConfig returns production defaults with auto-promotion on.
func DefaultConfig() Config {
	return Config{Guards: DefaultGuards()}
}

// Service is the rule evidence evaluator and lifecycle engine. It is
// the only writer of rule candidate rows.
type Service struct {
	cfg      Config
	store    storage.Store
	auditor  Auditor
	counters *health.Counters
	logger   *zap.Logger

	now func() time.Time

	tracer          trace.Tracer
	meter           metric.Meter
	ingestCounter   metric.Int64Counter
	decisionCounter metric.Int64Counter
}

// NewService creates the lifecycle engine. auditor and counters may
// be nil; without an auditor decisions are persisted but not
// published.
func NewService(cfg Config, store storage.Store, auditor Auditor, counters *health.Counters, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = health.NewCounters()
	}
	if cfg.Guards.MinEvidence <= 0 {
		cfg.Guards = DefaultGuards()
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		auditor:  auditor,
		counters: counters,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.ingestCounter, err = s.meter.Int64Counter(
		"scribed.learning.events_ingested_total",
		metric.WithDescription("Total structured learning events folded into rule evidence"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create ingest counter", zap.Error(err))
	}

	s.decisionCounter, err = s.meter.Int64Counter(
		"scribed.learning.decisions_total",
		metric.WithDescription("Total realized lifecycle transitions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		s.logger.Warn("failed to create decision counter", zap.Error(err))
	}
}

// RecordEvent folds one observed correction into the rule evidence
// base. A new signature creates a candidate rule; a known signature
// bumps its evidence or contradiction count. Formatting rules are
// additionally deduplicated by text similarity so cosmetic rewordings
// of the same correction merge into one rule. Returns the rule after
// the update and any lifecycle hop it triggered.
func (s *Service) RecordEvent(ctx context.Context, ev StructuredLearningEvent, ruleText string, rule RuleDefinition) (*RuleCandidate, error) {
	ctx, span := s.tracer.Start(ctx, "learning.record_event")
	defer span.End()

	if !ev.Category.Valid() {
		return nil, fault.Validation("unknown rule category %q", ev.Category)
	}
	if ev.NormalizedText == "" && ev.BeforeValue == "" && ev.AfterValue == "" {
		return nil, fault.Validation("event carries no content")
	}
	now := s.now().UTC()
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	if ev.NormalizedText == "" {
		ev.NormalizedText = normalizeRuleText(ev.BeforeValue + " " + ev.AfterValue)
	}
	if ev.SignatureHash == "" {
		ev.SignatureHash = computeSignature(ev)
	}
	if ruleText == "" {
		ruleText = ev.NormalizedText
	}

	if ev.Category == CategoryFormatting {
		sig, err := s.resolveFormatSignature(ctx, ev.SignatureHash, ruleText)
		if err != nil {
			return nil, err
		}
		ev.SignatureHash = sig
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		existing, version, err := s.getRule(ctx, ev.SignatureHash)
		switch {
		case err == nil:
			existing.EvidenceCount++
			if ev.Contradicts {
				existing.ContradictionCount++
				s.counters.IncRuleConflict()
			}
			existing.ConfidenceScore = confidenceScore(existing, existing.Metrics.OverrideRate, now)
			existing.UpdatedAt = now
			if err := s.putRule(ctx, existing, version); err != nil {
				if fault.IsConflict(err) {
					continue
				}
				return nil, err
			}
			s.counters.IncLearningEvent()
			if s.ingestCounter != nil {
				s.ingestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(ev.Category))))
			}
			if _, err := s.stepLifecycle(ctx, existing, nil); err != nil {
				return nil, err
			}
			return existing, nil

		case fault.IsNotFound(err):
			created := &RuleCandidate{
				SignatureHash:  ev.SignatureHash,
				RuleText:       ruleText,
				Rule:           rule,
				Category:       ev.Category,
				EvidenceCount:  1,
				LifecycleState: StateCandidate,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if ev.Contradicts {
				created.ContradictionCount = 1
				s.counters.IncRuleConflict()
			}
			if created.Rule.Category == "" {
				created.Rule.Category = ev.Category
			}
			created.ConfidenceScore = confidenceScore(created, 0, now)

			raw, err := json.Marshal(created)
			if err != nil {
				return nil, fmt.Errorf("marshal rule: %w", err)
			}
			if _, err := s.store.Insert(ctx, storage.CollectionRuleCandidates, created.SignatureHash, raw); err != nil {
				if fault.IsConflict(err) {
					// Lost the creation race; fold into the winner.
					continue
				}
				return nil, err
			}
			s.counters.IncLearningEvent()
			if s.ingestCounter != nil {
				s.ingestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(ev.Category))))
			}
			return created, nil

		default:
			return nil, err
		}
	}
	return nil, fault.Conflict("rule %s: concurrent updates exhausted retries", ev.SignatureHash)
}

// EvaluateRequest carries one before/after document pair and the rule
// candidates it exercises. The optional deltas come from upstream
// scoring; a nil EditDelta falls back to the computed edit ratio.
type EvaluateRequest struct {
	CandidateIDs []string
	AIOutput     string
	DoctorOutput string
	Source       Source
	ArtifactType string

	EditDelta          *float64
	HallucinationDelta *float64
	InconsistencyDelta *float64
}

// Evaluate scores one document pair against each listed candidate,
// updates the per-rule per-day evaluation window, and runs at most
// one lifecycle hop per candidate. Realized transitions are returned
// in candidate order.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) ([]LearningDecision, error) {
	ctx, span := s.tracer.Start(ctx, "learning.evaluate")
	defer span.End()

	if len(req.CandidateIDs) == 0 {
		return nil, fault.Validation("no candidate ids")
	}
	if req.AIOutput == "" && req.DoctorOutput == "" {
		return nil, fault.Validation("both documents are empty")
	}

	ev := evaluatePair(req.AIOutput, req.DoctorOutput, req.Source)
	now := s.now().UTC()
	day := now.Format(windowDayFormat)

	var decisions []LearningDecision
	for _, id := range req.CandidateIDs {
		decision, err := s.evaluateCandidate(ctx, id, day, ev, req)
		if err != nil {
			if fault.IsNotFound(err) {
				s.logger.Warn("evaluation references unknown rule", zap.String("signature_hash", id))
				continue
			}
			return decisions, err
		}
		if decision != nil {
			decisions = append(decisions, *decision)
		}
	}
	return decisions, nil
}

func (s *Service) evaluateCandidate(ctx context.Context, id, day string, ev evaluation, req EvaluateRequest) (*LearningDecision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rule, version, err := s.getRule(ctx, id)
		if err != nil {
			return nil, err
		}

		window, windowVersion, err := s.getWindow(ctx, id, day)
		if err != nil {
			return nil, err
		}
		applyEvaluation(window, ev, req.Source, req.EditDelta, req.HallucinationDelta, req.InconsistencyDelta)
		if err := s.putWindow(ctx, window, windowVersion); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}

		now := s.now().UTC()
		rule.Metrics = window.Snapshot()
		rule.ConfidenceScore = confidenceScore(rule, window.OverrideRate(), now)
		rule.UpdatedAt = now
		if err := s.putRule(ctx, rule, version); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return s.stepLifecycle(ctx, rule, window)
	}
	return nil, fault.Conflict("rule %s: concurrent updates exhausted retries", id)
}

// stepLifecycle runs at most one automatic transition for the rule,
// persisting the new state and the decision record. The rule is
// mutated in place on a realized transition.
func (s *Service) stepLifecycle(ctx context.Context, rule *RuleCandidate, window *EvaluationWindow) (*LearningDecision, error) {
	next, reason := s.cfg.Guards.nextState(rule, window, !s.cfg.DisableAutoPromote)
	if next == rule.LifecycleState {
		return nil, nil
	}
	return s.transition(ctx, rule, next, reason, nil)
}

// transition moves the rule to next and appends the decision record.
// Context entries are carried onto the decision for auditability.
func (s *Service) transition(ctx context.Context, rule *RuleCandidate, next LifecycleState, reason string, decisionCtx map[string]string) (*LearningDecision, error) {
	prev := rule.LifecycleState
	now := s.now().UTC()

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, version, err := s.getRule(ctx, rule.SignatureHash)
		if err != nil {
			return nil, err
		}
		if current.LifecycleState != prev {
			return nil, fault.Conflict("rule %s moved to %s concurrently", rule.SignatureHash, current.LifecycleState)
		}

		current.LifecycleState = next
		current.UpdatedAt = now
		switch next {
		case StateActive:
			t := now
			current.PromotedAt = &t
			current.BlockedReason = ""
		case StateBlocked:
			current.BlockedReason = reason
		default:
			current.BlockedReason = ""
		}

		if err := s.putRule(ctx, current, version); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		*rule = *current

		decision := &LearningDecision{
			ID:            uuid.New().String(),
			SignatureHash: rule.SignatureHash,
			DecisionType:  decisionTypeFor(prev, next),
			PrevState:     prev,
			NextState:     next,
			Reason:        reason,
			Metrics:       rule.Metrics,
			Context:       decisionCtx,
			DecidedAt:     now,
		}
		if err := s.appendDecision(ctx, decision); err != nil {
			return nil, err
		}
		s.recordDecisionMetrics(ctx, decision)
		s.logger.Info("rule lifecycle transition",
			zap.String("signature_hash", rule.SignatureHash),
			zap.String("prev_state", string(prev)),
			zap.String("next_state", string(next)),
			zap.String("decision_type", string(decision.DecisionType)),
			zap.String("reason", reason))
		return decision, nil
	}
	return nil, fault.Conflict("rule %s: concurrent updates exhausted retries", rule.SignatureHash)
}

// ForceShadow is the manual override: it moves a rule to shadow from
// any state, including blocked. The decision records who asked why.
func (s *Service) ForceShadow(ctx context.Context, signatureHash, operator, reason string) (*LearningDecision, error) {
	ctx, span := s.tracer.Start(ctx, "learning.force_shadow")
	defer span.End()

	rule, _, err := s.getRule(ctx, signatureHash)
	if err != nil {
		return nil, err
	}
	if rule.LifecycleState == StateShadow {
		return nil, fault.Validation("rule %s is already in shadow", signatureHash)
	}
	if reason == "" {
		reason = "manual override"
	}
	return s.transition(ctx, rule, StateShadow, reason, map[string]string{"operator": operator, "manual": "true"})
}

// Get returns one rule by signature hash.
func (s *Service) Get(ctx context.Context, signatureHash string) (*RuleCandidate, error) {
	rule, _, err := s.getRule(ctx, signatureHash)
	return rule, err
}

// List returns rules, optionally filtered to one lifecycle state.
func (s *Service) List(ctx context.Context, state LifecycleState) ([]RuleCandidate, error) {
	var rules []RuleCandidate
	var scanErr error
	err := s.store.Scan(ctx, storage.CollectionRuleCandidates, func(rec storage.Record) bool {
		var rule RuleCandidate
		if err := json.Unmarshal(rec.Value, &rule); err != nil {
			scanErr = fmt.Errorf("decode rule %s: %w", rec.Key, err)
			return false
		}
		if state == "" || rule.LifecycleState == state {
			rules = append(rules, rule)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return rules, scanErr
}

// Decisions returns the newest limit decision records, newest first.
func (s *Service) Decisions(ctx context.Context, limit int) ([]LearningDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	var decisions []LearningDecision
	var scanErr error
	err := s.store.Scan(ctx, storage.CollectionLearningDecisions, func(rec storage.Record) bool {
		var d LearningDecision
		if err := json.Unmarshal(rec.Value, &d); err != nil {
			scanErr = fmt.Errorf("decode decision %s: %w", rec.Key, err)
			return false
		}
		decisions = append(decisions, d)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	// Keys sort oldest first; return the tail reversed.
	if len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	return decisions, nil
}

// resolveFormatSignature maps a formatting event onto an existing
// formatting rule when the texts are near-duplicates, so reworded
// versions of the same correction accumulate evidence together.
func (s *Service) resolveFormatSignature(ctx context.Context, signature, ruleText string) (string, error) {
	if _, _, err := s.getRule(ctx, signature); err == nil {
		return signature, nil
	} else if !fault.IsNotFound(err) {
		return "", err
	}

	match := signature
	var scanErr error
	err := s.store.Scan(ctx, storage.CollectionRuleCandidates, func(rec storage.Record) bool {
		var rule RuleCandidate
		if err := json.Unmarshal(rec.Value, &rule); err != nil {
			scanErr = fmt.Errorf("decode rule %s: %w", rec.Key, err)
			return false
		}
		if rule.Category == CategoryFormatting && similarFormatRules(rule.RuleText, ruleText) {
			match = rule.SignatureHash
			return false
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if scanErr != nil {
		return "", scanErr
	}
	return match, nil
}

func (s *Service) appendDecision(ctx context.Context, decision *LearningDecision) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	key := fmt.Sprintf("%020d-%s", decision.DecidedAt.UnixNano(), decision.ID)
	if _, err := s.store.Insert(ctx, storage.CollectionLearningDecisions, key, raw); err != nil {
		return err
	}

	if s.auditor != nil {
		if _, err := s.auditor.Enqueue(ctx, outbox.EventLearningDecision, raw); err != nil {
			// The decision itself is durable; publication rides the
			// outbox and its own retry budget next time around.
			s.logger.Warn("failed to enqueue learning decision",
				zap.String("decision_id", decision.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) recordDecisionMetrics(ctx context.Context, decision *LearningDecision) {
	switch decision.DecisionType {
	case DecisionPromote, DecisionResume:
		s.counters.IncRulePromotion()
	case DecisionDemote, DecisionRollback, DecisionForceShadow:
		s.counters.IncRuleRollback()
	case DecisionBlock:
		s.counters.IncRuleRollback()
		s.counters.IncRuleConflict()
	}
	if s.decisionCounter != nil {
		s.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision_type", string(decision.DecisionType))))
	}
}

func (s *Service) getRule(ctx context.Context, signatureHash string) (*RuleCandidate, uint64, error) {
	rec, err := s.store.Get(ctx, storage.CollectionRuleCandidates, signatureHash)
	if err != nil {
		return nil, 0, err
	}
	var rule RuleCandidate
	if err := json.Unmarshal(rec.Value, &rule); err != nil {
		return nil, 0, fmt.Errorf("decode rule %s: %w", signatureHash, err)
	}
	return &rule, rec.Version, nil
}

func (s *Service) putRule(ctx context.Context, rule *RuleCandidate, expectedVersion uint64) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.store.Update(ctx, storage.CollectionRuleCandidates, rule.SignatureHash, expectedVersion, raw)
	return err
}

func windowKey(signatureHash, day string) string {
	return signatureHash + "/" + day
}

// getWindow loads the per-day window, returning a fresh zero window
// with version 0 when none exists yet.
func (s *Service) getWindow(ctx context.Context, signatureHash, day string) (*EvaluationWindow, uint64, error) {
	rec, err := s.store.Get(ctx, storage.CollectionRuleEvaluations, windowKey(signatureHash, day))
	if fault.IsNotFound(err) {
		return &EvaluationWindow{SignatureHash: signatureHash, Day: day}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var window EvaluationWindow
	if err := json.Unmarshal(rec.Value, &window); err != nil {
		return nil, 0, fmt.Errorf("decode window %s: %w", rec.Key, err)
	}
	return &window, rec.Version, nil
}

func (s *Service) putWindow(ctx context.Context, window *EvaluationWindow, expectedVersion uint64) error {
	window.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	key := windowKey(window.SignatureHash, window.Day)
	if expectedVersion == 0 {
		_, err = s.store.Insert(ctx, storage.CollectionRuleEvaluations, key, raw)
	} else {
		_, err = s.store.Update(ctx, storage.CollectionRuleEvaluations, key, expectedVersion, raw)
	}
	return err
}
