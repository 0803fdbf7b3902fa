package worker

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when an entity lock could not be acquired, or a
// job exceeded its hold timeout while writing. It is retryable: the job goes
// back to the queue and runs once the current holder finishes.
var ErrLockTimeout = errors.New("entity lock timeout")

// RetryableError marks a transient failure. The consumer leaves the message
// on the queue so it redelivers after the visibility timeout.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// PoisonedJobError marks a structurally invalid event. Retrying can never
// succeed; the consumer routes the job to the dead-letter queue instead.
type PoisonedJobError struct {
	Reason string
}

func (e *PoisonedJobError) Error() string { return "poisoned job: " + e.Reason }

func poisoned(format string, args ...any) error {
	return &PoisonedJobError{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the job should be returned to the queue.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) || errors.Is(err, ErrLockTimeout)
}

// IsPoisoned reports whether the job must be dead-lettered.
func IsPoisoned(err error) bool {
	var pe *PoisonedJobError
	return errors.As(err, &pe)
}

// DuplicateEventError is implemented by storage errors indicating that a
// dedup key has already produced history records. The writer treats it as a
// successful no-op.
type DuplicateEventError interface {
	error
	DuplicateEvent()
}
