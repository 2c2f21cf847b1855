// Package session provides the durable consultation session store and
// its per-batch segment/job model.
//
// Sessions move along a fixed status graph
// (preflight → recording → uploading_chunks → transcribing_partial →
// extracting → finalizing → awaiting_budget → provisional/completed/failed)
// enforced by compare-and-swap on the storage layer. Creation is
// idempotent via client-supplied idempotency keys, segment appends are
// replay-safe upserts, and a single segment's permanent failure never
// cascades to its siblings or hard-fails the session.
package session
