package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAttemptsExceeded is returned when a job read has a backout past MaxBackout
	ErrJobAttemptsExceeded = errors.New("job attempts exceeded")

	// ErrJobNotRunnable is returned for a job that is aborted or parked on a held queue
	ErrJobNotRunnable = errors.New("job is not runnable")

	// ErrInvalidJobID is returned for a job id that is neither a UUID nor a ULID
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrInvalidFunction is returned when a job function string is malformed
	ErrInvalidFunction = errors.New("invalid job function")

	// ErrPoolShutdown is returned by blocked pool operations after shutdown
	ErrPoolShutdown = errors.New("job pool shut down")

	// ErrDuplicateKey is returned when adding a key that is already in flight
	ErrDuplicateKey = errors.New("key already in flight")

	// ErrMissingKey is returned when removing a key that is not in flight
	ErrMissingKey = errors.New("key not in flight")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
