package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/session"
)

const instrumentationName = "github.com/fernhealth/scribed/internal/watchdog"

// Auditor is the slice of the outbox the watchdog publishes through.
// *outbox.Service satisfies it.
type Auditor interface {
	Enqueue(ctx context.Context, eventType string, payload json.RawMessage) (*outbox.Item, error)
}

// Config tunes the stall watchdog.
type Config struct {
	// Interval is the sweep period.
	Interval time.Duration

	// StallThresholds maps a pipeline stage to the age past which a
	// session in that stage counts as stalled. Stages absent from the
	// map use DefaultStallThreshold. Values below the stage floor are
	// clamped up, so misconfiguration cannot produce a thrashing
	// requeue loop.
	StallThresholds map[string]time.Duration

	// DefaultStallThreshold applies to stages with no explicit entry.
	DefaultStallThreshold time.Duration
}

// Per-stage floors. A configured threshold below the floor is raised
// to it.
var stallFloors = map[string]time.Duration{
	string(session.StatusRecording):           30 * time.Second,
	string(session.StatusUploadingChunks):     30 * time.Second,
	string(session.StatusTranscribingPartial): 60 * time.Second,
	string(session.StatusExtracting):          60 * time.Second,
	string(session.StatusFinalizing):          30 * time.Second,
	string(session.StatusAwaitingBudget):      60 * time.Second,
}

const defaultStallFloor = 30 * time.Second

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		StallThresholds: map[string]time.Duration{
			string(session.StatusRecording):           120 * time.Second,
			string(session.StatusUploadingChunks):     180 * time.Second,
			string(session.StatusTranscribingPartial): 300 * time.Second,
			string(session.StatusExtracting):          300 * time.Second,
			string(session.StatusFinalizing):          180 * time.Second,
			string(session.StatusAwaitingBudget):      600 * time.Second,
		},
		DefaultStallThreshold: 300 * time.Second,
	}
}

// slaBreach is the payload of a pipeline_sla_breach event.
type slaBreach struct {
	SessionID   string `json:"session_id"`
	Stage       string `json:"stage"`
	LatencyMS   int64  `json:"latency_ms"`
	ThresholdMS int64  `json:"threshold_ms"`
	Reason      string `json:"reason"`
}

type sessionPurged struct {
	SessionID string `json:"session_id"`
}

// Watchdog sweeps the session store on a fixed interval: stalled
// in-flight sessions are forced back onto the pipeline, failed
// sessions whose backoff has elapsed are requeued, and sessions past
// their TTL are purged.
type Watchdog struct {
	cfg      Config
	sessions *session.Service
	auditor  Auditor
	counters *health.Counters
	logger   *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	// sweeping enforces single-flight: a tick that fires while the
	// previous sweep is still running is skipped, not queued.
	sweeping atomic.Bool

	tracer        trace.Tracer
	meter         metric.Meter
	breachCounter metric.Int64Counter
}

// New creates a watchdog. counters may be nil.
func New(cfg Config, sessions *session.Service, auditor Auditor, counters *health.Counters, logger *zap.Logger) (*Watchdog, error) {
	if sessions == nil {
		return nil, errors.New("session service is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = health.NewCounters()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DefaultStallThreshold <= 0 {
		cfg.DefaultStallThreshold = def.DefaultStallThreshold
	}
	if cfg.StallThresholds == nil {
		cfg.StallThresholds = def.StallThresholds
	}

	w := &Watchdog{
		cfg:      cfg,
		sessions: sessions,
		auditor:  auditor,
		counters: counters,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	w.initMetrics()
	return w, nil
}

func (w *Watchdog) initMetrics() {
	var err error
	w.breachCounter, err = w.meter.Int64Counter(
		"scribed.watchdog.sla_breaches_total",
		metric.WithDescription("Total stalled sessions force-requeued by the watchdog"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		w.logger.Warn("failed to create breach counter", zap.Error(err))
	}
}

// thresholdFor resolves the stall threshold for a stage, applying the
// stage floor.
func (w *Watchdog) thresholdFor(stage string) time.Duration {
	threshold, ok := w.cfg.StallThresholds[stage]
	if !ok {
		threshold = w.cfg.DefaultStallThreshold
	}
	floor, ok := stallFloors[stage]
	if !ok {
		floor = defaultStallFloor
	}
	if threshold < floor {
		threshold = floor
	}
	return threshold
}

// Start launches the background sweep loop. A second Start on a
// running watchdog returns an error without spawning another
// goroutine.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("watchdog is already running")
	}
	w.stopCh = make(chan struct{})
	w.running = true

	w.logger.Info("watchdog started", zap.Duration("interval", w.cfg.Interval))
	go w.run()
	return nil
}

// Stop signals the sweep loop to exit. Stopping a stopped watchdog is
// a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) run() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog loop panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(context.Background()); err != nil {
				w.logger.Warn("watchdog sweep failed", zap.Error(err))
			}
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one watchdog pass: stall detection, due-retry requeue,
// and TTL purge. Concurrent sweeps collapse into one; the loser
// returns immediately.
func (w *Watchdog) Sweep(ctx context.Context) error {
	if !w.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer w.sweeping.Store(false)

	ctx, span := w.tracer.Start(ctx, "watchdog.sweep")
	defer span.End()

	// Purge first so an expired session is removed, not requeued.
	var errs []error
	if err := w.sweepExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.sweepStalled(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.sweepDueRetries(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sweepStalled requeues every in-flight session older than its stage
// threshold and records one pipeline_sla_breach event per stall.
// Requeuing refreshes updated_at, so the same stall cannot be flagged
// twice.
func (w *Watchdog) sweepStalled(ctx context.Context) error {
	sessions, err := w.sessions.InFlightSessions(ctx)
	if err != nil {
		return err
	}

	now := w.now().UTC()
	for _, sess := range sessions {
		stage := string(sess.Status)
		threshold := w.thresholdFor(stage)
		age := now.Sub(sess.UpdatedAt)
		if age <= threshold {
			continue
		}

		if _, err := w.sessions.RequeueSession(ctx, sess.SessionID); err != nil {
			w.logger.Warn("failed to requeue stalled session",
				zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}

		w.counters.IncDegradation("stall")
		w.breachCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
		w.sessions.RecordFailure(ctx, sess.SessionID, stage, "stall watchdog requeue", sess.RetryCount)

		breach := slaBreach{
			SessionID:   sess.SessionID,
			Stage:       stage,
			LatencyMS:   age.Milliseconds(),
			ThresholdMS: threshold.Milliseconds(),
			Reason:      "stage exceeded stall threshold",
		}
		payload, err := json.Marshal(breach)
		if err != nil {
			return err
		}
		if _, err := w.auditor.Enqueue(ctx, outbox.EventSLABreach, payload); err != nil {
			w.logger.Warn("failed to enqueue sla breach",
				zap.String("session_id", sess.SessionID), zap.Error(err))
		}

		w.logger.Warn("stalled session requeued",
			zap.String("session_id", sess.SessionID),
			zap.String("stage", stage),
			zap.Duration("age", age),
			zap.Duration("threshold", threshold))
	}
	return nil
}

// sweepDueRetries requeues failed sessions whose backoff window has
// elapsed. These are scheduled retries, not SLA breaches; no audit
// event is emitted.
func (w *Watchdog) sweepDueRetries(ctx context.Context) error {
	due, err := w.sessions.GetRecoverableSessions(ctx)
	if err != nil {
		return err
	}

	for _, sess := range due {
		if sess.Status != session.StatusFailed {
			continue
		}
		if _, err := w.sessions.RequeueSession(ctx, sess.SessionID); err != nil {
			w.logger.Warn("failed to requeue failed session",
				zap.String("session_id", sess.SessionID), zap.Error(err))
			continue
		}
		w.counters.IncRetryScheduled()
		w.logger.Info("requeued failed session after backoff",
			zap.String("session_id", sess.SessionID),
			zap.Int("retry_count", sess.RetryCount))
	}
	return nil
}

// sweepExpired purges sessions past their TTL and records one
// session_purged event per removal.
func (w *Watchdog) sweepExpired(ctx context.Context) error {
	purged, err := w.sessions.PurgeExpired(ctx)
	if err != nil {
		return err
	}

	for _, id := range purged {
		payload, err := json.Marshal(sessionPurged{SessionID: id})
		if err != nil {
			return err
		}
		if _, err := w.auditor.Enqueue(ctx, outbox.EventSessionPurged, payload); err != nil {
			w.logger.Warn("failed to enqueue purge event",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	return nil
}
