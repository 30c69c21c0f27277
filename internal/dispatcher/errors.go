package dispatcher

import (
	"errors"

	"github.com/MangaiYashobeam/FMD/internal/pool"
)

// retryableError wraps a transient failure so the dispatcher requeues the
// task instead of parking it in the failed partition.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as transient. Handlers return Retryable(err) for
// infrastructure failures (connection resets, upstream 5xx) that a later
// attempt may survive. Business-logic failures stay unwrapped and are
// terminal.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the error should trigger a requeue. Pool
// capacity misses are always retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re) || errors.Is(err, pool.ErrUnavailable)
}
