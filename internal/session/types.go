package session

import (
	"encoding/json"
	"time"
)

// Status is a consultation session's position in the pipeline.
type Status string

const (
	StatusPreflight           Status = "preflight"
	StatusRecording           Status = "recording"
	StatusUploadingChunks     Status = "uploading_chunks"
	StatusTranscribingPartial Status = "transcribing_partial"
	StatusExtracting          Status = "extracting"
	StatusFinalizing          Status = "finalizing"
	StatusAwaitingBudget      Status = "awaiting_budget"

	// StatusProvisional is a terminal completion with partial results:
	// at least one segment permanently failed but the rest survived.
	StatusProvisional Status = "provisional"

	// StatusCompleted is a full terminal completion.
	StatusCompleted Status = "completed"

	// StatusFailed is recoverable while retry budget remains.
	StatusFailed Status = "failed"

	// StatusFailedFinal is terminal: the retry budget is exhausted.
	StatusFailedFinal Status = "failed_final"
)

// transitions is the declared status graph. AdvanceStatus rejects any
// edge not listed here.
var transitions = map[Status][]Status{
	StatusPreflight:           {StatusRecording, StatusFailed},
	StatusRecording:           {StatusUploadingChunks, StatusFailed},
	StatusUploadingChunks:     {StatusTranscribingPartial, StatusFailed},
	StatusTranscribingPartial: {StatusExtracting, StatusFailed},
	StatusExtracting:          {StatusFinalizing, StatusFailed},
	StatusFinalizing:          {StatusAwaitingBudget, StatusFailed},
	StatusAwaitingBudget:      {StatusProvisional, StatusCompleted, StatusFailed},
	StatusFailed:              {StatusFailedFinal},
}

// resumeTargets maps an in-flight status to the nearest resumable
// predecessor a requeue resets it to. A stage restarts itself unless
// its inputs come from the previous stage.
var resumeTargets = map[Status]Status{
	StatusPreflight:           StatusPreflight,
	StatusRecording:           StatusRecording,
	StatusUploadingChunks:     StatusUploadingChunks,
	StatusTranscribingPartial: StatusUploadingChunks,
	StatusExtracting:          StatusTranscribingPartial,
	StatusFinalizing:          StatusExtracting,
	StatusAwaitingBudget:      StatusFinalizing,
}

// CanTransition reports whether from → to is a declared edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InFlight reports whether the status is a non-terminal pipeline stage.
func InFlight(s Status) bool {
	switch s {
	case StatusPreflight, StatusRecording, StatusUploadingChunks,
		StatusTranscribingPartial, StatusExtracting, StatusFinalizing,
		StatusAwaitingBudget:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition exists.
func Terminal(s Status) bool {
	return s == StatusProvisional || s == StatusCompleted || s == StatusFailedFinal
}

// ResultStatus summarizes the outcome of a finished session.
type ResultStatus string

const (
	ResultNone     ResultStatus = "none"
	ResultComplete ResultStatus = "complete"
	ResultPartial  ResultStatus = "partial"
	ResultFailed   ResultStatus = "failed"
)

// ConsultationSession is the durable per-dictation state row.
type ConsultationSession struct {
	// SessionID is the opaque primary key (UUID).
	SessionID string `json:"session_id"`

	// PatientName labels the consultation for the history surface.
	PatientName string `json:"patient_name"`

	// Status is the session's position in the pipeline graph.
	Status Status `json:"status"`

	// ResultStatus is set when the session reaches a terminal state.
	ResultStatus ResultStatus `json:"result_status"`

	// LastBatchIndex is the highest batch index appended so far, or -1
	// before the first append. Appends must exceed it.
	LastBatchIndex int `json:"last_batch_index"`

	// FinalBatchIndex is the batch marked is_final, if any. At most
	// one final segment is accepted per session.
	FinalBatchIndex *int `json:"final_batch_index,omitempty"`

	// RetryCount is how many times the session has been marked failed.
	RetryCount int `json:"retry_count"`

	// IdempotencyKey dedupes retried creation requests.
	IdempotencyKey string `json:"idempotency_key"`

	// NextAttemptAt schedules the next recovery attempt. Nil means the
	// session is not waiting on a backoff window.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// TTLExpiresAt marks the session eligible for garbage collection.
	TTLExpiresAt time.Time `json:"ttl_expires_at"`

	// Metadata carries producer-supplied context (device, clinic, ...).
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SegmentStage identifies which per-batch artifact a segment carries.
type SegmentStage string

const (
	StageAudio      SegmentStage = "audio"
	StageTranscript SegmentStage = "transcript"
	StageExtraction SegmentStage = "extraction"
)

// SegmentStatus is a segment's own processing state, independent of
// its session and its sibling segments.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"

	// SegmentFailedFinal means the segment's own retry budget is
	// exhausted. Siblings and the session are unaffected.
	SegmentFailedFinal SegmentStatus = "failed_final"
)

// Segment is one per-batch artifact row, keyed by (session_id, batch_index).
type Segment struct {
	SessionID     string          `json:"session_id"`
	BatchIndex    int             `json:"batch_index"`
	Stage         SegmentStage    `json:"stage"`
	Status        SegmentStatus   `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IsFinal       bool            `json:"is_final"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ErrorReason   string          `json:"error_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PipelineJob is the coarse per-session orchestration record.
type PipelineJob struct {
	SessionID      string          `json:"session_id"`
	LastStage      Status          `json:"last_stage"`
	SessionVersion uint64          `json:"session_version"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PipelineFailure is one append-only diagnostic log entry.
type PipelineFailure struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}
