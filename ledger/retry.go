package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxBackoffShift = 16

// newBackOff doubles the wait from base on every attempt with full jitter:
// each delay is drawn from [0, 2*interval].
func newBackOff(base time.Duration) backoff.BackOff {
	if base <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 1
	b.Multiplier = 2
	b.MaxInterval = base << maxBackoffShift
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryTransient calls fn until it returns an error that is not ErrTransient,
// or until retries extra attempts have been made. The last error is returned.
func RetryTransient(ctx context.Context, retries int, base time.Duration, fn func() error) error {
	var last error
	op := func() error {
		last = fn()
		if last != nil && !IsTransient(last) {
			return backoff.Permanent(last)
		}
		return last
	}
	b := backoff.WithMaxRetries(backoff.WithContext(newBackOff(base), ctx), uint64(max(retries, 0)))
	_ = backoff.Retry(op, b)
	return last
}
