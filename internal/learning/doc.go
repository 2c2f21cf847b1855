// Package learning turns observed clinician corrections into governed
// correction rules.
//
// The evidence evaluator scores each before/after document pair into a
// per-rule per-day evaluation window (edit-distance ratio, labeled
// section diff, trivial-edit filtering, source trust weighting). The
// lifecycle engine consumes those windows and moves rules along
// candidate → shadow → active → deprecated/blocked under safety-biased
// guards, writing an append-only decision for every realized
// transition. Confidence is a separate ranking signal recomputed on
// every touch, never a lifecycle gate.
package learning
