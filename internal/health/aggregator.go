package health

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SessionStats counts sessions by disposition.
type SessionStats struct {
	Active      int `json:"active"`
	Provisional int `json:"provisional"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	FailedFinal int `json:"failed_final"`
}

// OutboxStats counts outbox items by status. NextAttemptAt is the
// earliest scheduled retry across pending items, nil when the queue
// is drained.
type OutboxStats struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Completed     int        `json:"completed"`
	DeadLetters   int        `json:"dead_letters"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Failure is one recent pipeline failure, projected for dashboards.
type Failure struct {
	SessionID  string    `json:"session_id"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionSource is the read-only view of the session store the
// aggregator projects from.
type SessionSource interface {
	Stats(ctx context.Context) (SessionStats, error)
	FailureSummaries(ctx context.Context, limit int) ([]Failure, error)
}

// OutboxSource is the read-only view of the audit outbox.
type OutboxSource interface {
	Stats(ctx context.Context) (OutboxStats, error)
}

// Snapshot is the serializable diagnostics projection.
type Snapshot struct {
	ActiveSessions      int           `json:"active_sessions"`
	ProvisionalSessions int           `json:"provisional_sessions"`
	CompletedSessions   int           `json:"completed_sessions"`
	FailedSessions      int           `json:"failed_sessions"`
	FailedFinalSessions int           `json:"failed_final_sessions"`
	PendingOutbox       int           `json:"pending_outbox"`
	ProcessingOutbox    int           `json:"processing_outbox"`
	DeadLetters         int           `json:"dead_letters"`
	NextAttemptAt       *time.Time    `json:"next_attempt_at,omitempty"`
	RecentFailures      []Failure     `json:"recent_failures"`
	Counters            CounterTotals `json:"counters"`
	GeneratedAt         time.Time     `json:"generated_at"`
}

// Aggregator builds snapshots over the session store and audit
// outbox. It never mutates either; it exists purely for observability.
type Aggregator struct {
	sessions SessionSource
	outbox   OutboxSource
	counters *Counters
	logger   *zap.Logger

	// recentFailureLimit caps the recent_failures slice.
	recentFailureLimit int
}

// NewAggregator creates a health aggregator.
func NewAggregator(sessions SessionSource, outbox OutboxSource, counters *Counters, logger *zap.Logger) (*Aggregator, error) {
	if sessions == nil {
		return nil, errors.New("session source is required")
	}
	if outbox == nil {
		return nil, errors.New("outbox source is required")
	}
	if counters == nil {
		return nil, errors.New("counters registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		sessions:           sessions,
		outbox:             outbox,
		counters:           counters,
		logger:             logger,
		recentFailureLimit: 20,
	}, nil
}

// Snapshot reads both stores and returns the point-in-time projection.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	sessStats, err := a.sessions.Stats(ctx)
	if err != nil {
		return nil, err
	}
	outStats, err := a.outbox.Stats(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := a.sessions.FailureSummaries(ctx, a.recentFailureLimit)
	if err != nil {
		return nil, err
	}
	if failures == nil {
		failures = []Failure{}
	}

	return &Snapshot{
		ActiveSessions:      sessStats.Active,
		ProvisionalSessions: sessStats.Provisional,
		CompletedSessions:   sessStats.Completed,
		FailedSessions:      sessStats.Failed,
		FailedFinalSessions: sessStats.FailedFinal,
		PendingOutbox:       outStats.Pending,
		ProcessingOutbox:    outStats.Processing,
		DeadLetters:         outStats.DeadLetters,
		NextAttemptAt:       outStats.NextAttemptAt,
		RecentFailures:      failures,
		Counters:            a.counters.Totals(),
		GeneratedAt:         time.Now().UTC(),
	}, nil
}
