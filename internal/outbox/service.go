package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fernhealth/scribed/internal/fault"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/storage"
)

const instrumentationName = "github.com/fernhealth/scribed/internal/outbox"

// Config tunes the drain worker.
type Config struct {
	// DrainInterval is the poll period of the background worker.
	DrainInterval time.Duration

	// MaxAttempts is the delivery attempt budget before dead-letter.
	MaxAttempts int

	// InitialBackoff is the first retry delay; each subsequent retry
	// multiplies it by BackoffMultiplier up to MaxBackoff, with
	// RandomizationFactor jitter applied.
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	RandomizationFactor float64

	// DeliveryRate caps deliveries per second across one worker.
	// Zero means unlimited.
	DeliveryRate float64

	// BatchLimit caps how many items one tick processes.
	BatchLimit int

	// ClaimTimeout is how long a processing claim stays valid. Items
	// claimed by a worker that died before persisting an outcome are
	// reset to pending once the claim ages past this.
	ClaimTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:       5 * time.Second,
		MaxAttempts:         8,
		InitialBackoff:      5 * time.Second,
		MaxBackoff:          30 * time.Minute,
		BackoffMultiplier:   2.0,
		RandomizationFactor: 0.5,
		DeliveryRate:        20,
		BatchLimit:          64,
		ClaimTimeout:        5 * time.Minute,
	}
}

// Service owns the audit_outbox collection and its drain worker.
type Service struct {
	cfg      Config
	store    storage.Store
	sink     Sink
	counters *health.Counters
	logger   *zap.Logger

	workerID string
	now      func() time.Time
	limiter  *rate.Limiter

	tracer            trace.Tracer
	meter             metric.Meter
	enqueuedCounter   metric.Int64Counter
	deliveredCounter  metric.Int64Counter
	deadLetterCounter metric.Int64Counter

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	draining atomic.Bool
}

// NewService creates the outbox service. counters may be nil.
func NewService(cfg Config, store storage.Store, sink Sink, counters *health.Counters, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = health.NewCounters()
	}
	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.RandomizationFactor < 0 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}

	limit := rate.Inf
	if cfg.DeliveryRate > 0 {
		limit = rate.Limit(cfg.DeliveryRate)
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		counters: counters,
		logger:   logger,
		workerID: uuid.New().String(),
		now:      time.Now,
		limiter:  rate.NewLimiter(limit, 1),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		stopCh:   make(chan struct{}),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.enqueuedCounter, err = s.meter.Int64Counter(
		"scribed.outbox.enqueued_total",
		metric.WithDescription("Total audit events enqueued"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create enqueued counter", zap.Error(err))
	}

	s.deliveredCounter, err = s.meter.Int64Counter(
		"scribed.outbox.delivered_total",
		metric.WithDescription("Total audit events acknowledged by the sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create delivered counter", zap.Error(err))
	}

	s.deadLetterCounter, err = s.meter.Int64Counter(
		"scribed.outbox.dead_letters_total",
		metric.WithDescription("Total audit events moved to dead_letter"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create dead letter counter", zap.Error(err))
	}
}

// Enqueue durably records an event and returns immediately. Delivery
// happens asynchronously from the drain worker.
func (s *Service) Enqueue(ctx context.Context, eventType string, payload json.RawMessage) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "outbox.enqueue")
	defer span.End()

	if eventType == "" {
		return nil, fault.Validation("event type is required")
	}

	now := s.now().UTC()
	item := &Item{
		ID:            uuid.New().String(),
		EventType:     eventType,
		Payload:       payload,
		Status:        ItemPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox item: %w", err)
	}
	if _, err := s.store.Insert(ctx, storage.CollectionAuditOutbox, item.ID, raw); err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox item: %w", err)
	}

	if s.enqueuedCounter != nil {
		s.enqueuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	}
	span.SetAttributes(attribute.String("item_id", item.ID))
	s.logger.Debug("enqueued audit event",
		zap.String("item_id", item.ID),
		zap.String("event_type", eventType),
	)
	return item, nil
}

// Start launches the background drain worker. Idempotent in the sense
// that a second Start on a running worker returns an error without
// spawning a second loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("outbox worker is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("outbox drain worker started",
		zap.Duration("interval", s.cfg.DrainInterval),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
	)
	go s.run()
	return nil
}

// Stop signals the worker to exit. Calling Stop on a stopped worker
// is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("outbox drain worker stopped")
}

func (s *Service) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("outbox worker panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.DrainOnce(context.Background()); err != nil {
				s.logger.Warn("outbox drain tick failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce processes one batch of due pending items. Single-flight:
// if a drain is already in progress the call returns immediately with
// zero work done rather than running concurrently.
func (s *Service) DrainOnce(ctx context.Context) (int, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.draining.Store(false)

	ctx, span := s.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	now := s.now().UTC()
	var due []Item
	var stale []string
	err := s.store.Scan(ctx, storage.CollectionAuditOutbox, func(rec storage.Record) bool {
		var item Item
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			s.logger.Warn("skipping unreadable outbox item", zap.String("key", rec.Key), zap.Error(err))
			return true
		}
		switch {
		case item.Status == ItemPending && !item.NextAttemptAt.After(now):
			due = append(due, item)
		case item.Status == ItemProcessing && item.ClaimedAt != nil && now.Sub(*item.ClaimedAt) > s.cfg.ClaimTimeout:
			stale = append(stale, item.ID)
		}
		return len(due) < s.cfg.BatchLimit
	})
	if err != nil {
		return 0, err
	}

	// Claims whose worker died before persisting an outcome would
	// otherwise strand the item in processing forever. Reset them to
	// pending; the next tick redelivers (duplicates are acceptable,
	// loss is not).
	for _, id := range stale {
		s.releaseStaleClaim(ctx, id, now)
	}

	processed := 0
	for i := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			return processed, err
		}
		if s.processItem(ctx, due[i].ID) {
			processed++
		}
	}
	span.SetAttributes(attribute.Int("processed", processed))
	return processed, nil
}

// releaseStaleClaim resets one expired processing claim to pending.
// The CAS re-read tolerates the original worker finishing late.
func (s *Service) releaseStaleClaim(ctx context.Context, itemID string, now time.Time) {
	item, version, err := s.getItem(ctx, itemID)
	if err != nil {
		s.logger.Warn("failed to load stale outbox claim", zap.String("item_id", itemID), zap.Error(err))
		return
	}
	if item.Status != ItemProcessing || item.ClaimedAt == nil || now.Sub(*item.ClaimedAt) <= s.cfg.ClaimTimeout {
		return
	}

	claimedBy := item.ClaimedBy
	item.Status = ItemPending
	item.NextAttemptAt = now
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.UpdatedAt = now
	if _, err := s.putItem(ctx, item, version); err != nil {
		if !fault.IsConflict(err) {
			s.logger.Warn("failed to release stale outbox claim", zap.String("item_id", itemID), zap.Error(err))
		}
		return
	}
	if s.counters != nil {
		s.counters.IncRetryScheduled()
	}
	s.logger.Warn("released stale outbox claim",
		zap.String("item_id", itemID),
		zap.String("claimed_by", claimedBy),
		zap.Int("attempts", item.Attempts),
	)
}

// processItem claims one item and attempts delivery. Returns true if
// this worker held the claim (regardless of delivery outcome).
func (s *Service) processItem(ctx context.Context, itemID string) bool {
	item, version, err := s.getItem(ctx, itemID)
	if err != nil {
		s.logger.Warn("failed to load outbox item", zap.String("item_id", itemID), zap.Error(err))
		return false
	}
	now := s.now().UTC()
	if item.Status != ItemPending || item.NextAttemptAt.After(now) {
		return false
	}

	// Atomic claim: pending → processing, single claimer. Losing the
	// CAS means another worker got there first.
	item.Status = ItemProcessing
	item.Attempts++
	item.ClaimedBy = s.workerID
	item.ClaimedAt = &now
	item.UpdatedAt = now
	version, err = s.putItem(ctx, item, version)
	if err != nil {
		if !fault.IsConflict(err) {
			s.logger.Warn("failed to claim outbox item", zap.String("item_id", itemID), zap.Error(err))
		}
		return false
	}

	if item.Attempts == 1 && s.counters != nil {
		s.counters.ObserveQueueWait(now.Sub(item.EnqueuedAt))
	}

	deliverErr := s.sink.Deliver(ctx, item.EventType, item.Payload)
	now = s.now().UTC()
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.UpdatedAt = now

	switch {
	case deliverErr == nil:
		item.Status = ItemCompleted
		item.LastError = ""
		if s.counters != nil {
			s.counters.IncProcessed()
		}
		if s.deliveredCounter != nil {
			s.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", item.EventType)))
		}

	case fault.IsPermanent(deliverErr):
		// The sink says the payload is unprocessable; retrying cannot
		// help, so skip the remaining budget.
		item.Status = ItemDeadLetter
		item.LastError = deliverErr.Error()
		s.recordDeadLetter(ctx, item, "permanent rejection")

	default:
		item.LastError = deliverErr.Error()
		if s.counters != nil {
			s.counters.IncWorkerFailure()
		}
		if item.Attempts >= s.cfg.MaxAttempts {
			item.Status = ItemDeadLetter
			s.recordDeadLetter(ctx, item, "attempts exhausted")
		} else {
			item.Status = ItemPending
			item.NextAttemptAt = now.Add(s.retryDelay(item.Attempts))
			if s.counters != nil {
				s.counters.IncRetryScheduled()
			}
			s.logger.Warn("outbox delivery failed, rescheduled",
				zap.String("item_id", item.ID),
				zap.String("event_type", item.EventType),
				zap.Int("attempts", item.Attempts),
				zap.Time("next_attempt_at", item.NextAttemptAt),
				zap.Error(deliverErr),
			)
		}
	}

	if _, err := s.putItem(ctx, item, version); err != nil {
		s.logger.Error("failed to persist outbox item outcome",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}
	return true
}

func (s *Service) recordDeadLetter(ctx context.Context, item *Item, reason string) {
	if s.counters != nil {
		s.counters.IncDeadLetter()
		s.counters.IncDegradation("dead_letter")
	}
	if s.deadLetterCounter != nil {
		s.deadLetterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", item.EventType)))
	}
	s.logger.Error("outbox item dead-lettered",
		zap.String("item_id", item.ID),
		zap.String("event_type", item.EventType),
		zap.Int("attempts", item.Attempts),
		zap.String("reason", reason),
		zap.String("last_error", item.LastError),
	)
}

// retryDelay computes the backoff for the given attempt count:
// exponential growth capped at MaxBackoff with jitter.
func (s *Service) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.RandomizationFactor = s.cfg.RandomizationFactor
	b.Multiplier = s.cfg.BackoffMultiplier
	b.MaxInterval = s.cfg.MaxBackoff

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Get retrieves one outbox item.
func (s *Service) Get(ctx context.Context, itemID string) (*Item, error) {
	item, _, err := s.getItem(ctx, itemID)
	return item, err
}

// Requeue manually resurrects a dead-letter item. This is the only
// path out of dead_letter; the drain loop never retries one on its
// own. The attempt counter keeps its history.
func (s *Service) Requeue(ctx context.Context, itemID string) (*Item, error) {
	item, version, err := s.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != ItemDeadLetter {
		return nil, fault.Conflict("item %s is %q, only dead_letter items can be requeued", itemID, item.Status)
	}

	now := s.now().UTC()
	item.Status = ItemPending
	item.NextAttemptAt = now
	item.UpdatedAt = now
	if _, err := s.putItem(ctx, item, version); err != nil {
		return nil, err
	}
	s.logger.Info("dead-letter item requeued", zap.String("item_id", itemID))
	return item, nil
}

// Stats counts items by status for the health snapshot. Satisfies
// health.OutboxSource.
func (s *Service) Stats(ctx context.Context) (health.OutboxStats, error) {
	var stats health.OutboxStats
	err := s.store.Scan(ctx, storage.CollectionAuditOutbox, func(rec storage.Record) bool {
		var item Item
		if err := json.Unmarshal(rec.Value, &item); err != nil {
			return true
		}
		switch item.Status {
		case ItemPending:
			stats.Pending++
			next := item.NextAttemptAt
			if stats.NextAttemptAt == nil || next.Before(*stats.NextAttemptAt) {
				stats.NextAttemptAt = &next
			}
		case ItemProcessing:
			stats.Processing++
		case ItemCompleted:
			stats.Completed++
		case ItemDeadLetter:
			stats.DeadLetters++
		}
		return true
	})
	return stats, err
}

func (s *Service) getItem(ctx context.Context, itemID string) (*Item, uint64, error) {
	rec, err := s.store.Get(ctx, storage.CollectionAuditOutbox, itemID)
	if err != nil {
		return nil, 0, err
	}
	var item Item
	if err := json.Unmarshal(rec.Value, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal outbox item %s: %w", itemID, err)
	}
	return &item, rec.Version, nil
}

func (s *Service) putItem(ctx context.Context, item *Item, expectedVersion uint64) (uint64, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outbox item: %w", err)
	}
	return s.store.Update(ctx, storage.CollectionAuditOutbox, item.ID, expectedVersion, raw)
}
