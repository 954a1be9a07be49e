package service

import (
	"context"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/cenkalti/backoff/v4"
)

// Clock returns the current time. Services take one so tests can pin dates.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// BackOffFactory builds the retry policy for one operation.
type BackOffFactory func() backoff.BackOff

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// retry runs op until it succeeds, fails permanently or maxRetries extra
// attempts are used up. Only transient errors are retried.
func retry[T any](ctx context.Context, newBackOff BackOffFactory, maxRetries uint64, op func() (T, error)) (T, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), maxRetries), ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !ierr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}
