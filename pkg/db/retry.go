package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrStaleVersion marks a lost optimistic-concurrency race. RetryStale retries only this error.
var ErrStaleVersion = errors.New("stale_version")

// RetryStale runs fn until it succeeds, fails with an error other than
// ErrStaleVersion, or maxRetries retries are spent.
func RetryStale(ctx context.Context, maxRetries int, fn func() error) error {
	return retry(ctx, maxRetries, fn, func(err error) bool {
		return errors.Is(err, ErrStaleVersion)
	})
}

// RetryTransient reruns fn after serialization failures and lock timeouts.
// fn must open its own transaction, since postgres aborts the failed one.
func RetryTransient(ctx context.Context, maxRetries int, fn func() error) error {
	return retry(ctx, maxRetries, fn, IsTransient)
}

// IsTransient reports errors that are expected to clear on a fresh transaction.
func IsTransient(err error) bool {
	return IsSerializationFailure(err) || IsLockNotAvailable(err)
}

func retry(ctx context.Context, maxRetries int, fn func() error, retryable func(error) bool) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
