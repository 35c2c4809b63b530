package retry

import "errors"

// Retry manager errors.
var (
	// ErrMaxRetriesExceeded is returned when the maximum number of retries has been exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")

	// ErrKeyRequired is returned when an attempt is recorded without a key.
	ErrKeyRequired = errors.New("retry key is required")
)

// Retryable marks err as transient regardless of its message.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }
