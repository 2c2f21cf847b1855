package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/fault"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/logging"
	"github.com/fernhealth/scribed/internal/storage"
)

const instrumentationName = "github.com/fernhealth/scribed/internal/session"

// Config tunes session retry and recovery behavior.
type Config struct {
	// RetryCeiling is how many failed marks a session survives before
	// it becomes failed_final.
	RetryCeiling int

	// SegmentRetryCeiling is the per-segment equivalent.
	SegmentRetryCeiling int

	// RetryBackoff is the base delay before a failed session becomes
	// eligible for recovery. Doubled per retry.
	RetryBackoff time.Duration

	// StallAge is the age past which an in-flight session counts as
	// recoverable regardless of next_attempt_at.
	StallAge time.Duration

	// SessionTTL sets ttl_expires_at on new sessions.
	SessionTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryCeiling:        5,
		SegmentRetryCeiling: 3,
		RetryBackoff:        30 * time.Second,
		StallAge:            10 * time.Minute,
		SessionTTL:          72 * time.Hour,
	}
}

// Service owns the consultation session, segment, job, and failure
// collections. All mutation goes through storage-layer CAS; callers
// seeing fault.ErrConflict should re-read and retry.
type Service struct {
	cfg      Config
	store    storage.Store
	counters *health.Counters
	logger   *zap.Logger

	now func() time.Time

	tracer          trace.Tracer
	meter           metric.Meter
	createCounter   metric.Int64Counter
	advanceCounter  metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// NewService creates a session service. counters may be nil.
func NewService(cfg Config, store storage.Store, counters *health.Counters, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = health.NewCounters()
	}
	def := DefaultConfig()
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = def.RetryCeiling
	}
	if cfg.SegmentRetryCeiling <= 0 {
		cfg.SegmentRetryCeiling = def.SegmentRetryCeiling
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.StallAge <= 0 {
		cfg.StallAge = def.StallAge
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		counters: counters,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

// SetClock replaces the time source. Test hook; not safe to call
// after the service is in use.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"scribed.session.creates_total",
		metric.WithDescription("Total session creation requests, deduped or not"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create session create counter", zap.Error(err))
	}

	s.advanceCounter, err = s.meter.Int64Counter(
		"scribed.session.status_advances_total",
		metric.WithDescription("Total successful status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create advance counter", zap.Error(err))
	}

	s.conflictCounter, err = s.meter.Int64Counter(
		"scribed.session.conflicts_total",
		metric.WithDescription("Total optimistic-concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn("failed to create conflict counter", zap.Error(err))
	}
}

// CreateSession creates a session or returns the existing one when the
// idempotency key has been seen before. No duplicate row is ever
// created for a repeated key.
func (s *Service) CreateSession(ctx context.Context, idempotencyKey, patientName string) (*ConsultationSession, error) {
	ctx, span := s.tracer.Start(ctx, "session.create")
	defer span.End()

	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fault.Validation("idempotency key is required")
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1)
	}

	// Fast path: the key was seen before.
	rec, err := s.store.Get(ctx, storage.CollectionSessionIdempotency, idempotencyKey)
	if err == nil {
		return s.loadOrHealSession(ctx, string(rec.Value), idempotencyKey, patientName)
	}
	if !fault.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	// Reserve the key first so a crash between the two writes heals on
	// the next retry instead of leaving a duplicate.
	sessionID := uuid.New().String()
	if _, err := s.store.Insert(ctx, storage.CollectionSessionIdempotency, idempotencyKey, []byte(sessionID)); err != nil {
		if fault.IsConflict(err) {
			// Lost a creation race; the winner's mapping is durable.
			rec, err := s.store.Get(ctx, storage.CollectionSessionIdempotency, idempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read idempotency mapping after race: %w", err)
			}
			return s.loadOrHealSession(ctx, string(rec.Value), idempotencyKey, patientName)
		}
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	sess, err := s.insertSessionRow(ctx, sessionID, idempotencyKey, patientName)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("session_id", sess.SessionID))
	s.logger.Info("created session",
		zap.String("session_id", sess.SessionID),
		logging.PatientName(patientName),
	)
	return sess, nil
}

// loadOrHealSession returns the session an idempotency mapping points
// at, recreating the row if a crash left the mapping dangling.
func (s *Service) loadOrHealSession(ctx context.Context, sessionID, idempotencyKey, patientName string) (*ConsultationSession, error) {
	sess, _, err := s.getSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !fault.IsNotFound(err) {
		return nil, err
	}
	s.logger.Warn("idempotency mapping pointed at missing session, recreating",
		zap.String("session_id", sessionID),
	)
	return s.insertSessionRow(ctx, sessionID, idempotencyKey, patientName)
}

func (s *Service) insertSessionRow(ctx context.Context, sessionID, idempotencyKey, patientName string) (*ConsultationSession, error) {
	now := s.now().UTC()
	sess := &ConsultationSession{
		SessionID:      sessionID,
		PatientName:    patientName,
		Status:         StatusPreflight,
		ResultStatus:   ResultNone,
		LastBatchIndex: -1,
		IdempotencyKey: idempotencyKey,
		TTLExpiresAt:   now.Add(s.cfg.SessionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if _, err := s.store.Insert(ctx, storage.CollectionSessions, sessionID, raw); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*ConsultationSession, error) {
	sess, _, err := s.getSession(ctx, sessionID)
	return sess, err
}

// AdvanceStatus moves a session along the status graph. It succeeds
// only if the current status equals expectedFrom; otherwise it fails
// with a Conflict and the caller should re-read.
//
// Advancing to failed performs retry bookkeeping: the retry count is
// incremented, the next attempt is scheduled with doubling backoff,
// and an exhausted retry budget lands on failed_final instead.
func (s *Service) AdvanceStatus(ctx context.Context, sessionID string, expectedFrom, to Status) (*ConsultationSession, error) {
	ctx, span := s.tracer.Start(ctx, "session.advance_status")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("from", string(expectedFrom)),
		attribute.String("to", string(to)),
	)

	if !CanTransition(expectedFrom, to) {
		return nil, fault.Validation("illegal transition %s -> %s", expectedFrom, to)
	}

	sess, version, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != expectedFrom {
		if s.conflictCounter != nil {
			s.conflictCounter.Add(ctx, 1)
		}
		return nil, fault.Conflict("session %s is %q, expected %q", sessionID, sess.Status, expectedFrom)
	}

	now := s.now().UTC()
	if s.counters != nil {
		s.counters.ObserveStageLatency(string(expectedFrom), now.Sub(sess.UpdatedAt))
	}

	sess.Status = to
	sess.UpdatedAt = now
	switch to {
	case StatusFailed:
		sess.RetryCount++
		if sess.RetryCount >= s.cfg.RetryCeiling {
			sess.Status = StatusFailedFinal
			sess.ResultStatus = ResultFailed
			sess.NextAttemptAt = nil
		} else {
			next := now.Add(s.retryDelay(sess.RetryCount))
			sess.NextAttemptAt = &next
		}
	case StatusFailedFinal:
		sess.ResultStatus = ResultFailed
		sess.NextAttemptAt = nil
	case StatusCompleted:
		sess.ResultStatus = ResultComplete
		sess.NextAttemptAt = nil
	case StatusProvisional:
		sess.ResultStatus = ResultPartial
		sess.NextAttemptAt = nil
	}

	newVersion, err := s.putSession(ctx, sess, version)
	if err != nil {
		if fault.IsConflict(err) && s.conflictCounter != nil {
			s.conflictCounter.Add(ctx, 1)
		}
		return nil, err
	}

	// The job keeps the last in-flight stage so a failed session can
	// resume where it left off.
	jobStage := sess.Status
	if !InFlight(jobStage) {
		jobStage = expectedFrom
	}
	if err := s.putJob(ctx, sess, newVersion, jobStage); err != nil {
		s.logger.Warn("failed to update pipeline job", zap.String("session_id", sessionID), zap.Error(err))
	}

	if s.advanceCounter != nil {
		s.advanceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(sess.Status))))
	}
	s.logger.Info("advanced session status",
		zap.String("session_id", sessionID),
		zap.String("from", string(expectedFrom)),
		zap.String("to", string(sess.Status)),
		zap.Int("retry_count", sess.RetryCount),
	)
	return sess, nil
}

// AppendSegmentRequest describes one per-batch artifact append.
type AppendSegmentRequest struct {
	SessionID  string
	BatchIndex int
	Payload    json.RawMessage
	IsFinal    bool
}

// AppendSegment upserts a segment keyed by (session_id, batch_index).
// Replays of an existing batch are no-ops returning the stored row.
// Batch indexes must be strictly increasing per session, and at most
// one segment may be marked final.
func (s *Service) AppendSegment(ctx context.Context, stage SegmentStage, req AppendSegmentRequest) (*Segment, error) {
	ctx, span := s.tracer.Start(ctx, "session.append_segment")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("stage", string(stage)),
		attribute.Int("batch_index", req.BatchIndex),
	)

	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fault.Validation("session id is required")
	}
	if req.BatchIndex < 0 {
		return nil, fault.Validation("batch index must be non-negative, got %d", req.BatchIndex)
	}
	coll, err := segmentCollection(stage)
	if err != nil {
		return nil, err
	}

	sess, version, err := s.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Replay: the batch already exists, nothing changes.
	key := segmentKey(req.SessionID, req.BatchIndex)
	if rec, err := s.store.Get(ctx, coll, key); err == nil {
		var existing Segment
		if err := json.Unmarshal(rec.Value, &existing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment %s: %w", key, err)
		}
		return &existing, nil
	} else if !fault.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check segment %s: %w", key, err)
	}

	if req.BatchIndex <= sess.LastBatchIndex {
		return nil, fault.Validation("batch index %d is not monotonic (last is %d)",
			req.BatchIndex, sess.LastBatchIndex)
	}
	if req.IsFinal && sess.FinalBatchIndex != nil {
		return nil, fault.Validation("session %s already has final batch %d",
			req.SessionID, *sess.FinalBatchIndex)
	}

	now := s.now().UTC()
	seg := &Segment{
		SessionID:  req.SessionID,
		BatchIndex: req.BatchIndex,
		Stage:      stage,
		Status:     SegmentPending,
		Payload:    req.Payload,
		IsFinal:    req.IsFinal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	raw, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segment: %w", err)
	}
	if _, err := s.store.Insert(ctx, coll, key, raw); err != nil {
		if fault.IsConflict(err) {
			// Concurrent replay; treat like the fast path above.
			return s.getSegment(ctx, stage, req.SessionID, req.BatchIndex)
		}
		return nil, fmt.Errorf("failed to insert segment: %w", err)
	}

	sess.LastBatchIndex = req.BatchIndex
	if req.IsFinal {
		idx := req.BatchIndex
		sess.FinalBatchIndex = &idx
	}
	sess.UpdatedAt = now
	if _, err := s.putSession(ctx, sess, version); err != nil {
		return nil, err
	}
	return seg, nil
}

// GetSegment retrieves one segment row.
func (s *Service) GetSegment(ctx context.Context, stage SegmentStage, sessionID string, batchIndex int) (*Segment, error) {
	return s.getSegment(ctx, stage, sessionID, batchIndex)
}

// ListSegments returns a session's segments for one stage in batch order.
func (s *Service) ListSegments(ctx context.Context, stage SegmentStage, sessionID string) ([]*Segment, error) {
	coll, err := segmentCollection(stage)
	if err != nil {
		return nil, err
	}
	prefix := sessionID + "/"
	var out []*Segment
	err = s.store.Scan(ctx, coll, func(rec storage.Record) bool {
		if !strings.HasPrefix(rec.Key, prefix) {
			return true
		}
		var seg Segment
		if err := json.Unmarshal(rec.Value, &seg); err != nil {
			s.logger.Warn("skipping unreadable segment", zap.String("key", rec.Key), zap.Error(err))
			return true
		}
		out = append(out, &seg)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteSegment marks a segment completed, optionally replacing its
// payload with the stage result.
func (s *Service) CompleteSegment(ctx context.Context, stage SegmentStage, sessionID string, batchIndex int, result json.RawMessage) (*Segment, error) {
	return s.mutateSegment(ctx, stage, sessionID, batchIndex, func(seg *Segment) {
		seg.Status = SegmentCompleted
		seg.ErrorReason = ""
		seg.NextAttemptAt = nil
		if result != nil {
			seg.Payload = result
		}
	})
}

// FailSegment records a segment failure. Permanent failures (explicit
// or retry exhaustion) land on failed_final; otherwise the segment is
// rescheduled with doubling backoff. The failure never cascades to
// sibling segments or the session status, and every failure is
// appended to the pipeline failure log.
func (s *Service) FailSegment(ctx context.Context, stage SegmentStage, sessionID string, batchIndex int, reason string, permanent bool) (*Segment, error) {
	seg, err := s.mutateSegment(ctx, stage, sessionID, batchIndex, func(seg *Segment) {
		seg.RetryCount++
		seg.ErrorReason = reason
		if permanent || seg.RetryCount >= s.cfg.SegmentRetryCeiling {
			seg.Status = SegmentFailedFinal
			seg.NextAttemptAt = nil
		} else {
			seg.Status = SegmentFailed
			next := s.now().UTC().Add(s.retryDelay(seg.RetryCount))
			seg.NextAttemptAt = &next
		}
	})
	if err != nil {
		return nil, err
	}

	s.appendFailure(ctx, sessionID, string(stage), reason, seg.RetryCount)
	if s.counters != nil {
		s.counters.IncDegradation("segment_failure")
	}
	s.logger.Warn("segment failed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Int("batch_index", batchIndex),
		zap.String("status", string(seg.Status)),
		zap.String("reason", reason),
	)
	return seg, nil
}

// FinalizeSession resolves an awaiting_budget session to its terminal
// completion: completed when every segment finished, provisional when
// any segment permanently failed but the rest survived.
func (s *Service) FinalizeSession(ctx context.Context, sessionID string) (*ConsultationSession, error) {
	sess, _, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusAwaitingBudget {
		return nil, fault.Conflict("session %s is %q, expected %q", sessionID, sess.Status, StatusAwaitingBudget)
	}

	anyPermanentFailure := false
	for _, stage := range []SegmentStage{StageAudio, StageTranscript, StageExtraction} {
		segs, err := s.ListSegments(ctx, stage, sessionID)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			if seg.Status == SegmentFailedFinal {
				anyPermanentFailure = true
			}
		}
	}

	target := StatusCompleted
	if anyPermanentFailure {
		target = StatusProvisional
	}
	return s.AdvanceStatus(ctx, sessionID, StatusAwaitingBudget, target)
}

// Recoverable reports whether the session can still make progress:
// in-flight sessions always can, failed sessions can while retry
// budget remains, terminal sessions cannot.
func (s *Service) Recoverable(sess *ConsultationSession) bool {
	if sess == nil {
		return false
	}
	if InFlight(sess.Status) {
		return true
	}
	return sess.Status == StatusFailed && sess.RetryCount < s.cfg.RetryCeiling
}

// GetRecoverableSessions returns sessions eligible for a recovery
// attempt now: recoverable sessions whose next_attempt_at has passed
// (or was never set, for sessions whose age exceeds the stall age).
func (s *Service) GetRecoverableSessions(ctx context.Context) ([]*ConsultationSession, error) {
	now := s.now().UTC()
	var out []*ConsultationSession
	err := s.store.Scan(ctx, storage.CollectionSessions, func(rec storage.Record) bool {
		var sess ConsultationSession
		if err := json.Unmarshal(rec.Value, &sess); err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("key", rec.Key), zap.Error(err))
			return true
		}
		if !s.Recoverable(&sess) {
			return true
		}
		due := sess.NextAttemptAt != nil && !sess.NextAttemptAt.After(now)
		stalled := now.Sub(sess.UpdatedAt) > s.cfg.StallAge
		if due || stalled {
			out = append(out, &sess)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequeueSession resets a session to the nearest resumable predecessor
// of its current stage (for failed sessions, of the last recorded
// stage) and clears its backoff window. Requeuing refreshes
// updated_at, so a stalled session cannot be flagged twice within the
// same stall window.
func (s *Service) RequeueSession(ctx context.Context, sessionID string) (*ConsultationSession, error) {
	ctx, span := s.tracer.Start(ctx, "session.requeue")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, version, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if Terminal(sess.Status) {
		return nil, fault.Conflict("session %s is terminal (%s)", sessionID, sess.Status)
	}

	from := sess.Status
	if sess.Status == StatusFailed {
		from = s.lastKnownStage(ctx, sessionID)
	}
	target, ok := resumeTargets[from]
	if !ok {
		target = StatusRecording
	}

	now := s.now().UTC()
	sess.Status = target
	sess.NextAttemptAt = nil
	sess.UpdatedAt = now

	newVersion, err := s.putSession(ctx, sess, version)
	if err != nil {
		return nil, err
	}
	if err := s.putJob(ctx, sess, newVersion, sess.Status); err != nil {
		s.logger.Warn("failed to update pipeline job", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("requeued session",
		zap.String("session_id", sessionID),
		zap.String("resumed_at", string(target)),
	)
	return sess, nil
}

// InFlightSessions returns every session still moving through the
// pipeline, for the stall watchdog to inspect. Unrecognized statuses
// are included: a session parked in a stage this build does not know
// about still deserves liveness checks.
func (s *Service) InFlightSessions(ctx context.Context) ([]*ConsultationSession, error) {
	var out []*ConsultationSession
	err := s.store.Scan(ctx, storage.CollectionSessions, func(rec storage.Record) bool {
		var sess ConsultationSession
		if err := json.Unmarshal(rec.Value, &sess); err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("key", rec.Key), zap.Error(err))
			return true
		}
		if !Terminal(sess.Status) && sess.Status != StatusFailed {
			out = append(out, &sess)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpired deletes sessions past their TTL along with their
// segments, job record, and idempotency mapping. Returns the IDs of
// the sessions removed.
func (s *Service) PurgeExpired(ctx context.Context) ([]string, error) {
	now := s.now().UTC()
	var expired []*ConsultationSession
	var purged []string
	err := s.store.Scan(ctx, storage.CollectionSessions, func(rec storage.Record) bool {
		var sess ConsultationSession
		if err := json.Unmarshal(rec.Value, &sess); err != nil {
			return true
		}
		if !sess.TTLExpiresAt.IsZero() && sess.TTLExpiresAt.Before(now) {
			expired = append(expired, &sess)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, sess := range expired {
		for _, stage := range []SegmentStage{StageAudio, StageTranscript, StageExtraction} {
			coll, _ := segmentCollection(stage)
			segs, err := s.ListSegments(ctx, stage, sess.SessionID)
			if err != nil {
				return nil, err
			}
			for _, seg := range segs {
				if err := s.store.Delete(ctx, coll, segmentKey(seg.SessionID, seg.BatchIndex)); err != nil {
					return nil, err
				}
			}
		}
		if err := s.store.Delete(ctx, storage.CollectionPipelineJobs, sess.SessionID); err != nil {
			return nil, err
		}
		if sess.IdempotencyKey != "" {
			if err := s.store.Delete(ctx, storage.CollectionSessionIdempotency, sess.IdempotencyKey); err != nil {
				return nil, err
			}
		}
		if err := s.store.Delete(ctx, storage.CollectionSessions, sess.SessionID); err != nil {
			return nil, err
		}
		s.logger.Info("purged expired session", zap.String("session_id", sess.SessionID))
		purged = append(purged, sess.SessionID)
	}
	return purged, nil
}

// RecordFailure appends one entry to the pipeline failure log.
func (s *Service) RecordFailure(ctx context.Context, sessionID, stage, reason string, retryCount int) {
	s.appendFailure(ctx, sessionID, stage, reason, retryCount)
}

// RecentFailures returns the newest limit entries from the failure
// log, most recent first.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]PipelineFailure, error) {
	if limit <= 0 {
		limit = 20
	}
	var all []PipelineFailure
	err := s.store.Scan(ctx, storage.CollectionPipelineFailures, func(rec storage.Record) bool {
		var f PipelineFailure
		if err := json.Unmarshal(rec.Value, &f); err != nil {
			return true
		}
		all = append(all, f)
		return true
	})
	if err != nil {
		return nil, err
	}
	// Keys are time-ordered, so the tail is the newest.
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// FailureSummaries projects the newest failures for the health
// aggregator. Together with Stats it satisfies health.SessionSource.
func (s *Service) FailureSummaries(ctx context.Context, limit int) ([]health.Failure, error) {
	failures, err := s.RecentFailures(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]health.Failure, 0, len(failures))
	for _, f := range failures {
		out = append(out, health.Failure{
			SessionID:  f.SessionID,
			Stage:      f.Stage,
			Reason:     f.Reason,
			RetryCount: f.RetryCount,
			OccurredAt: f.OccurredAt,
		})
	}
	return out, nil
}

// Stats counts sessions by disposition for the health snapshot.
func (s *Service) Stats(ctx context.Context) (health.SessionStats, error) {
	var stats health.SessionStats
	err := s.store.Scan(ctx, storage.CollectionSessions, func(rec storage.Record) bool {
		var sess ConsultationSession
		if err := json.Unmarshal(rec.Value, &sess); err != nil {
			return true
		}
		switch {
		case InFlight(sess.Status):
			stats.Active++
		case sess.Status == StatusProvisional:
			stats.Provisional++
		case sess.Status == StatusCompleted:
			stats.Completed++
		case sess.Status == StatusFailed:
			stats.Failed++
		case sess.Status == StatusFailedFinal:
			stats.FailedFinal++
		}
		return true
	})
	return stats, err
}

// retryDelay doubles the base backoff per retry.
func (s *Service) retryDelay(retryCount int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 1; i < retryCount; i++ {
		d *= 2
	}
	return d
}

func (s *Service) lastKnownStage(ctx context.Context, sessionID string) Status {
	rec, err := s.store.Get(ctx, storage.CollectionPipelineJobs, sessionID)
	if err != nil {
		return StatusRecording
	}
	var job PipelineJob
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		return StatusRecording
	}
	if _, ok := resumeTargets[job.LastStage]; ok {
		return job.LastStage
	}
	return StatusRecording
}

func (s *Service) appendFailure(ctx context.Context, sessionID, stage, reason string, retryCount int) {
	now := s.now().UTC()
	f := PipelineFailure{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Stage:      stage,
		Reason:     reason,
		RetryCount: retryCount,
		OccurredAt: now,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		s.logger.Warn("failed to marshal pipeline failure", zap.Error(err))
		return
	}
	key := fmt.Sprintf("%020d-%s", now.UnixNano(), f.ID)
	if _, err := s.store.Put(ctx, storage.CollectionPipelineFailures, key, raw); err != nil {
		s.logger.Warn("failed to append pipeline failure", zap.Error(err))
	}
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*ConsultationSession, uint64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, 0, fault.Validation("session id is required")
	}
	rec, err := s.store.Get(ctx, storage.CollectionSessions, sessionID)
	if err != nil {
		return nil, 0, err
	}
	var sess ConsultationSession
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return &sess, rec.Version, nil
}

func (s *Service) putSession(ctx context.Context, sess *ConsultationSession, expectedVersion uint64) (uint64, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal session: %w", err)
	}
	v, err := s.store.Update(ctx, storage.CollectionSessions, sess.SessionID, expectedVersion, raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// putJob refreshes the coarse orchestration record after a session write.
func (s *Service) putJob(ctx context.Context, sess *ConsultationSession, sessionVersion uint64, lastStage Status) error {
	payload, err := json.Marshal(map[string]any{
		"patient_name":     sess.PatientName,
		"last_batch_index": sess.LastBatchIndex,
		"retry_count":      sess.RetryCount,
		"metadata":         sess.Metadata,
	})
	if err != nil {
		return err
	}
	job := PipelineJob{
		SessionID:      sess.SessionID,
		LastStage:      lastStage,
		SessionVersion: sessionVersion,
		Payload:        payload,
		UpdatedAt:      s.now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, storage.CollectionPipelineJobs, sess.SessionID, raw)
	return err
}

func (s *Service) getSegment(ctx context.Context, stage SegmentStage, sessionID string, batchIndex int) (*Segment, error) {
	coll, err := segmentCollection(stage)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, coll, segmentKey(sessionID, batchIndex))
	if err != nil {
		return nil, err
	}
	var seg Segment
	if err := json.Unmarshal(rec.Value, &seg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segment: %w", err)
	}
	return &seg, nil
}

// mutateSegment applies fn under a CAS loop keyed on the record version.
func (s *Service) mutateSegment(ctx context.Context, stage SegmentStage, sessionID string, batchIndex int, fn func(*Segment)) (*Segment, error) {
	coll, err := segmentCollection(stage)
	if err != nil {
		return nil, err
	}
	key := segmentKey(sessionID, batchIndex)

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.store.Get(ctx, coll, key)
		if err != nil {
			return nil, err
		}
		var seg Segment
		if err := json.Unmarshal(rec.Value, &seg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment %s: %w", key, err)
		}
		fn(&seg)
		seg.UpdatedAt = s.now().UTC()

		raw, err := json.Marshal(&seg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal segment: %w", err)
		}
		if _, err := s.store.Update(ctx, coll, key, rec.Version, raw); err != nil {
			if fault.IsConflict(err) {
				continue
			}
			return nil, err
		}
		return &seg, nil
	}
	return nil, fault.Conflict("segment %s/%s kept changing", coll, key)
}

func segmentCollection(stage SegmentStage) (string, error) {
	switch stage {
	case StageAudio:
		return storage.CollectionAudioSegments, nil
	case StageTranscript:
		return storage.CollectionTranscriptSegments, nil
	case StageExtraction:
		return storage.CollectionExtractionSegments, nil
	default:
		return "", fault.Validation("unknown segment stage %q", stage)
	}
}

func segmentKey(sessionID string, batchIndex int) string {
	return fmt.Sprintf("%s/%010d", sessionID, batchIndex)
}
