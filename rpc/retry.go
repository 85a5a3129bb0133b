package rpc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/PhotizoAi/percolator-launch-sub002/models"
	"github.com/PhotizoAi/percolator-launch-sub002/utils"
)

// RetryPolicy bounds how a classified failure is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. fn receives the zero based attempt number.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, notify func(error, time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(utils.NewJitterBackOff(p.BaseDelay, p.MaxDelay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(func() error {
		err := fn(attempt)
		attempt++
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}
