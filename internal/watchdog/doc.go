// Package watchdog keeps the session pipeline live.
//
// On a fixed interval it force-requeues in-flight sessions whose age
// exceeds a per-stage stall threshold (emitting a pipeline_sla_breach
// audit event for each), requeues failed sessions whose retry backoff
// has elapsed, and purges sessions past their TTL. Sweeps are
// single-flight: a tick firing mid-sweep is skipped, never queued.
package watchdog
