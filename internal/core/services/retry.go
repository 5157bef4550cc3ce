package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how often transient failures are retried. Attempts
// counts the first call.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retry runs op until it succeeds, returns a backoff.Permanent error, or the
// policy is exhausted. The last error is returned unwrapped.
func retry(ctx context.Context, p RetryPolicy, what string, op func() error) error {
	return backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("operation", what).Dur("retry_in", wait).Msg("transient failure, retrying")
	})
}

func permanentUnless(err error, transient func(error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	if transient(err) {
		return err
	}
	return backoff.Permanent(err)
}
