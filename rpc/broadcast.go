package rpc

import (
	"context"
	"encoding/base64"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
	"github.com/PhotizoAi/percolator-launch-sub002/models"
)

// MaxExtraEndpoints bounds how many secondary endpoints a transaction is
// broadcast to besides the primary.
const MaxExtraEndpoints = 3

// Broadcaster submits a signed transaction to the primary and the extra
// endpoints at once. The ledger de-duplicates by signature, so multiple
// acceptances are harmless.
type Broadcaster struct {
	primary *Endpoint
	extras  []*Endpoint
	bucket  *TokenBucket
	retry   RetryPolicy
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func NewBroadcaster(primary *Endpoint, extras []*Endpoint, bucket *TokenBucket, retry RetryPolicy, m *metrics.Metrics, logger *zap.SugaredLogger) *Broadcaster {
	if len(extras) > MaxExtraEndpoints {
		extras = extras[:MaxExtraEndpoints]
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		primary: primary,
		extras:  extras,
		bucket:  bucket,
		retry:   retry,
		metrics: m,
		logger:  logger,
	}
}

type sendResult struct {
	index int
	sig   string
	err   error
}

// Send broadcasts raw and returns the signature reported by the first
// endpoint to accept it. Transient failures of every endpoint are retried per
// policy; re-sending the same signed bytes is safe.
func (b *Broadcaster) Send(ctx context.Context, raw []byte) (string, error) {
	var sig string
	err := b.retry.Do(ctx, func(attempt int) error {
		s, err := b.sendOnce(ctx, raw)
		if err == nil {
			sig = s
		}
		return err
	}, func(err error, d time.Duration) {
		b.logger.Warnw("Broadcast failed on every endpoint, retrying", "delay", d, "err", err)
	})
	return sig, err
}

func (b *Broadcaster) sendOnce(ctx context.Context, raw []byte) (string, error) {
	if err := b.bucket.Acquire(ctx); err != nil {
		return "", models.NewNonRetryable("sendTransaction", err)
	}

	endpoints := append([]*Endpoint{b.primary}, b.extras...)
	encoded := base64.StdEncoding.EncodeToString(raw)
	params := []interface{}{encoded, map[string]interface{}{
		"encoding":      "base64",
		"skipPreflight": true,
		"maxRetries":    0,
	}}

	results := make(chan sendResult, len(endpoints))
	for i, ep := range endpoints {
		go func(i int, ep *Endpoint) {
			start := time.Now()
			var sig string
			err := ep.Call(ctx, "sendTransaction", params, &sig)
			b.metrics.ObserveRPC("sendTransaction", ep.Name, time.Since(start), err)
			results <- sendResult{index: i, sig: sig, err: err}
		}(i, ep)
	}

	var primaryErr error
	for range endpoints {
		r := <-results
		if r.err == nil {
			if r.index != 0 {
				b.logger.Debugw("Transaction accepted by secondary endpoint first", "endpoint", endpoints[r.index].Name, "sig", r.sig)
			}
			return r.sig, nil
		}
		if r.index == 0 {
			primaryErr = r.err
		} else {
			b.logger.Debugw("Secondary endpoint rejected transaction", "endpoint", endpoints[r.index].Name, "err", r.err)
		}
	}
	return "", primaryErr
}
