package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is the process-wide metrics registry. All fields are
// monotonic for the process lifetime; construct one at startup with
// NewCounters and read it through Totals.
type Counters struct {
	processedTotal    atomic.Int64
	workerFailures    atomic.Int64
	retriesScheduled  atomic.Int64
	deadLetters       atomic.Int64
	learningIngested  atomic.Int64
	rulePromotions    atomic.Int64
	ruleRollbacks     atomic.Int64
	ruleConflicts     atomic.Int64
	queueWaitCount    atomic.Int64
	queueWaitTotalMS  atomic.Int64
	queueWaitMaxMS    atomic.Int64
	startedAt         time.Time

	mu                sync.RWMutex
	stageLatencyMS    map[string]*LatencyTotals
	degradationCauses map[string]int64
}

// LatencyTotals accumulates per-stage latency observations.
type LatencyTotals struct {
	Count   int64 `json:"count"`
	TotalMS int64 `json:"total_ms"`
	MaxMS   int64 `json:"max_ms"`
}

// NewCounters creates a zeroed registry stamped with the process start.
func NewCounters() *Counters {
	return &Counters{
		startedAt:         time.Now().UTC(),
		stageLatencyMS:    make(map[string]*LatencyTotals),
		degradationCauses: make(map[string]int64),
	}
}

// IncProcessed records one successfully delivered outbox item.
func (c *Counters) IncProcessed() { c.processedTotal.Add(1) }

// IncWorkerFailure records one failed delivery attempt.
func (c *Counters) IncWorkerFailure() { c.workerFailures.Add(1) }

// IncRetryScheduled records one backoff reschedule.
func (c *Counters) IncRetryScheduled() { c.retriesScheduled.Add(1) }

// IncDeadLetter records one item reaching the dead-letter state.
func (c *Counters) IncDeadLetter() { c.deadLetters.Add(1) }

// IncLearningEvent records one ingested structured learning event.
func (c *Counters) IncLearningEvent() { c.learningIngested.Add(1) }

// IncRulePromotion records one promote/resume lifecycle decision.
func (c *Counters) IncRulePromotion() { c.rulePromotions.Add(1) }

// IncRuleRollback records one demote/block/rollback lifecycle decision.
func (c *Counters) IncRuleRollback() { c.ruleRollbacks.Add(1) }

// IncRuleConflict records one contradiction incident against a rule.
func (c *Counters) IncRuleConflict() { c.ruleConflicts.Add(1) }

// ObserveQueueWait records how long an outbox item waited between
// enqueue and first delivery attempt.
func (c *Counters) ObserveQueueWait(wait time.Duration) {
	ms := wait.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.queueWaitCount.Add(1)
	c.queueWaitTotalMS.Add(ms)
	for {
		cur := c.queueWaitMaxMS.Load()
		if ms <= cur || c.queueWaitMaxMS.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// ObserveStageLatency records how long a session spent in a stage.
func (c *Counters) ObserveStageLatency(stage string, latency time.Duration) {
	ms := latency.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	lt, ok := c.stageLatencyMS[stage]
	if !ok {
		lt = &LatencyTotals{}
		c.stageLatencyMS[stage] = lt
	}
	lt.Count++
	lt.TotalMS += ms
	if ms > lt.MaxMS {
		lt.MaxMS = ms
	}
}

// IncDegradation records one degradation incident keyed by cause
// (e.g. "stall", "dead_letter", "segment_failure").
func (c *Counters) IncDegradation(cause string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degradationCauses[cause]++
}

// QueueWaitTotals is the aggregated queue-wait projection.
type QueueWaitTotals struct {
	Count   int64 `json:"count"`
	TotalMS int64 `json:"total_ms"`
	MaxMS   int64 `json:"max_ms"`
}

// CounterTotals is a point-in-time copy of every counter.
type CounterTotals struct {
	ProcessedTotal         int64                     `json:"processed_total"`
	WorkerFailures         int64                     `json:"worker_failures"`
	RetriesScheduled       int64                     `json:"retries_scheduled"`
	DeadLetters            int64                     `json:"dead_letters"`
	LearningEventsIngested int64                     `json:"learning_events_ingested"`
	RulePromotions         int64                     `json:"rule_promotions"`
	RuleRollbacks          int64                     `json:"rule_rollbacks"`
	RuleConflictIncidents  int64                     `json:"rule_conflict_incidents"`
	QueueWait              QueueWaitTotals           `json:"queue_wait"`
	StageLatency           map[string]LatencyTotals  `json:"stage_latency"`
	DegradationCauses      map[string]int64          `json:"degradation_causes"`
	StartedAt              time.Time                 `json:"started_at"`
}

// Totals returns a consistent copy of the registry. The returned maps
// are fresh allocations; mutating them does not touch the registry.
func (c *Counters) Totals() CounterTotals {
	c.mu.RLock()
	stages := make(map[string]LatencyTotals, len(c.stageLatencyMS))
	for k, v := range c.stageLatencyMS {
		stages[k] = *v
	}
	causes := make(map[string]int64, len(c.degradationCauses))
	for k, v := range c.degradationCauses {
		causes[k] = v
	}
	c.mu.RUnlock()

	return CounterTotals{
		ProcessedTotal:         c.processedTotal.Load(),
		WorkerFailures:         c.workerFailures.Load(),
		RetriesScheduled:       c.retriesScheduled.Load(),
		DeadLetters:            c.deadLetters.Load(),
		LearningEventsIngested: c.learningIngested.Load(),
		RulePromotions:         c.rulePromotions.Load(),
		RuleRollbacks:          c.ruleRollbacks.Load(),
		RuleConflictIncidents:  c.ruleConflicts.Load(),
		QueueWait: QueueWaitTotals{
			Count:   c.queueWaitCount.Load(),
			TotalMS: c.queueWaitTotalMS.Load(),
			MaxMS:   c.queueWaitMaxMS.Load(),
		},
		StageLatency:      stages,
		DegradationCauses: causes,
		StartedAt:         c.startedAt,
	}
}
