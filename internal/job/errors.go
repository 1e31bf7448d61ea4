package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the executor's view of a job-body error.
type Class int

const (
	// ClassPermanent errors fail the run immediately. Unclassified errors land here.
	ClassPermanent Class = iota
	// ClassTransient errors are retried with backoff until MaxAttempts.
	ClassTransient
	// ClassCancellation covers shutdown and timeout; never retried.
	ClassCancellation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCancellation:
		return "cancellation"
	default:
		return "permanent"
	}
}

// Transient marks err as retryable (network, lock contention, upstream timeout).
//
//	return job.Transient(fmt.Errorf("fetch stats: %w", err))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Permanent marks err as non-retryable (validation, logic errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// RetryAfter marks err as transient with a suggested delay before the next attempt
// (e.g. an upstream Retry-After header). The hint is still capped by the policy MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfterHint extracts a RetryAfter delay from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// Classify maps a job-body error to a Class. Explicit markers win; then
// cancellation; then net-style Timeout()/Temporary() errors are transient.
// Anything else is permanent (fail safe rather than retry indefinitely).
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	var te transientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancellation
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ClassTransient
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return ClassTransient
	}
	return ClassPermanent
}
