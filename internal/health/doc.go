// Package health provides the pipeline's observability surface: a
// process-wide counter registry with an explicit lifecycle, and a
// read-only snapshot aggregator projecting session and outbox state
// for external dashboards.
//
// Counters are monotonic within a process lifetime and reset only on
// restart. The registry is an explicit value constructed at process
// start and handed to services, never ambient global state.
package health
