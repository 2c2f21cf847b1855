// Package storage provides the versioned document store the pipeline
// persists through.
//
// The store is an indexed CRUD abstraction with conditional-update
// support: every record carries a monotonically increasing version,
// and Update succeeds only when the caller's expected version matches
// the stored one. All entity ownership rules in the pipeline
// (single-writer sessions, single-claimer outbox items, engine-owned
// rule rows) are enforced through this compare-and-swap primitive,
// never through in-process locks.
//
// Two implementations ship: a BadgerDB-backed store for durable
// deployments and an in-memory store for tests.
package storage
