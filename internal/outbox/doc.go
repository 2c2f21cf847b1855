// Package outbox provides the at-least-once audit event queue.
//
// Enqueue is a synchronous local durable write that never blocks on
// remote delivery. A background drain worker claims pending items one
// at a time through storage-layer CAS, delivers them to the remote
// sink, and on transient failure reschedules with exponential backoff
// and jitter. Items exhausting their attempt budget (or explicitly
// rejected by the sink) land in the terminal dead_letter state and are
// only resurrected manually.
//
// No ordering guarantee exists across items; the remote sink must
// tolerate duplicate delivery.
package outbox
