package job

import (
	"errors"
	"time"
)

// Result is a handler's decision about the record it was given.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

func Processed() Result {
	return Result{Outcome: OutcomeProcessed}
}

// Skipped ends the record without error; the work is no longer relevant.
func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// RetryAfter reschedules the record. A non-positive delay uses the dispatcher backoff.
func RetryAfter(delay time.Duration, reason string) Result {
	return Result{Outcome: OutcomeRetry, Delay: delay, Reason: reason}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as terminal: the dispatcher fails the record instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError

	return errors.As(err, &permanent)
}
