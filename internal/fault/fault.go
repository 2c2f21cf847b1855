// Package fault defines the error taxonomy shared across the pipeline.
//
// Every error surfaced by the storage, session, outbox, and learning
// layers maps onto one of five classes:
//
//   - Conflict: optimistic version mismatch; caller re-reads and retries
//   - Transient: delivery/network failure; retried with backoff
//   - Permanent: remote sink rejected the payload; routed to dead-letter
//   - Validation: malformed input; rejected synchronously, never persisted
//   - NotFound: the referenced entity does not exist
//
// A stall is deliberately not an error class. It is a liveness
// violation resolved by forced requeue and never surfaced as a fault
// to the caller.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", err) and test with
// errors.Is, or use the predicates below.
var (
	ErrConflict   = errors.New("conflict: concurrent modification")
	ErrTransient  = errors.New("transient failure")
	ErrPermanent  = errors.New("permanent failure")
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// Conflict wraps a version-mismatch error with detail.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Transient wraps a retryable delivery failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps an unprocessable-payload rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Validation wraps a synchronous input rejection.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps a missing-entity error.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IsConflict reports whether err is a Conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is a Transient failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err is a Permanent rejection.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsValidation reports whether err is a Validation rejection.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a NotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Retryable reports whether the error should be retried with backoff.
// Conflicts are retryable after a re-read; transients after a delay.
// Permanent and validation failures never are.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}
