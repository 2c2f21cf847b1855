package outbox

import (
	"encoding/json"
	"time"
)

// ItemStatus is an outbox item's delivery state.
type ItemStatus string

const (
	// ItemPending means the item awaits (re)delivery.
	ItemPending ItemStatus = "pending"

	// ItemProcessing means exactly one worker holds the claim.
	ItemProcessing ItemStatus = "processing"

	// ItemCompleted means the sink acknowledged delivery.
	ItemCompleted ItemStatus = "completed"

	// ItemDeadLetter is terminal: retries exhausted or the sink
	// reported the payload unprocessable. Never retried automatically.
	ItemDeadLetter ItemStatus = "dead_letter"
)

// Event types emitted by the pipeline itself.
const (
	EventSLABreach        = "pipeline_sla_breach"
	EventLearningDecision = "learning_decision"
	EventSessionPurged    = "session_purged"
)

// Item is one queued audit event.
type Item struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    ItemStatus      `json:"status"`

	// Attempts counts delivery attempts; it only ever grows.
	Attempts int `json:"attempts"`

	// NextAttemptAt gates when the drain loop may pick the item up.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// LastError is the most recent delivery failure, if any.
	LastError string `json:"last_error,omitempty"`

	// ClaimedBy identifies the worker holding a processing claim.
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
