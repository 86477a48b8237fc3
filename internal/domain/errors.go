package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrNotCancelable is returned when a cancel request hits a job that is
	// already in a terminal state
	ErrNotCancelable = errors.New("job is not cancelable")

	// ErrNotRetryable is returned when a retry request hits a job that is
	// not in FAILED
	ErrNotRetryable = errors.New("job is not retryable")
)

// InvalidTransitionError reports an illegal state-machine transition. It is
// a logic error and is never retried.
type InvalidTransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s (job %s)", e.From, e.To, e.JobID)
}

// IsInvalidTransition reports whether err wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// FatalError wraps a fetch error that must not be retried: the job goes
// straight to FAILED regardless of remaining attempts.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether err wraps a FatalError. Anything else coming out
// of a fetch attempt is treated as transient and counted against the
// attempt budget.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
