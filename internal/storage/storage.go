package storage

import (
	"context"
)

// Collection names used by the pipeline. Each maps to a key prefix in
// the underlying store.
const (
	CollectionSessions           = "consultation_sessions"
	CollectionSessionIdempotency = "consultation_sessions_idem"
	CollectionAudioSegments      = "audio_segments"
	CollectionTranscriptSegments = "transcript_segments"
	CollectionExtractionSegments = "extraction_segments"
	CollectionPipelineJobs       = "pipeline_jobs"
	CollectionPipelineFailures   = "pipeline_failures"
	CollectionAuditOutbox        = "audit_outbox"
	CollectionRuleCandidates     = "rule_candidates"
	CollectionRuleEvaluations    = "rule_evaluations"
	CollectionLearningDecisions  = "learning_decisions"
)

// Record is a stored document plus its optimistic version.
type Record struct {
	// Key is the record key within its collection.
	Key string

	// Value is the serialized document (JSON in practice).
	Value []byte

	// Version increments on every successful write. Version 0 never
	// occurs on a stored record; the first write produces version 1.
	Version uint64
}

// Store is a versioned CRUD document store with conditional updates.
//
// All methods return fault package sentinels for their failure modes:
// fault.ErrNotFound for missing records, fault.ErrConflict for version
// mismatches and duplicate inserts.
type Store interface {
	// Get retrieves a record by collection and key.
	Get(ctx context.Context, collection, key string) (Record, error)

	// Insert creates a record, failing with fault.ErrConflict if the
	// key already exists. The returned version is always 1.
	Insert(ctx context.Context, collection, key string, value []byte) (uint64, error)

	// Put upserts a record unconditionally and returns the new version.
	Put(ctx context.Context, collection, key string, value []byte) (uint64, error)

	// Update performs a compare-and-swap: the write succeeds only if
	// the stored version equals expectedVersion. On mismatch it
	// returns fault.ErrConflict and the record is unchanged.
	Update(ctx context.Context, collection, key string, expectedVersion uint64, value []byte) (uint64, error)

	// Delete removes a record. Deleting a missing key is a no-op.
	Delete(ctx context.Context, collection, key string) error

	// Scan iterates every record in a collection in key order. The
	// callback returns false to stop early. Mutating the store from
	// inside the callback is undefined.
	Scan(ctx context.Context, collection string, fn func(Record) bool) error

	// Close releases underlying resources.
	Close() error
}
