package httputil

import (
	"context"
	"errors"
	"time"

	"github.com/cenk/backoff"
)

// Retry policy for network fetches: a hung or flaky connection gets a
// bounded number of attempts instead of blocking indefinitely.
const retryAttempts = 3

// Variable so tests can shrink the wait between attempts.
var retryInitialDelay = time.Second

// RetryableError wraps an error to indicate it should trigger a retry.
// Wrap transient failures (connection errors, 5xx responses) with this type
// so that [Retry] knows to attempt the operation again.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is wrapped with RetryableError.
func IsRetryable(err error) bool {
	return errors.As(err, new(*RetryableError))
}

// Retry executes fn up to three times with exponential backoff starting at
// one second. Only errors wrapped with [RetryableError] are retried; other
// errors return immediately. Returns ctx.Err() if the context is cancelled
// while waiting between attempts.
func Retry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
