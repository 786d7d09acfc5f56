package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how ledger calls are retried
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at half a second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Do runs op until it succeeds, returns a permanent error, runs out of
// retries or ctx is done. Wrap errors with backoff.Permanent to stop early.
func (p RetryPolicy) Do(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx), func(err error, wait time.Duration) {
		slog.Warn("Ledger call failed, retrying", "call", name, "attempt", attempt, "wait", wait, "error", err)
	})
}
