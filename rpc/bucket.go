package rpc

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// TokenBucket admits remote calls. Callers that find it empty queue up and
// are released strictly in arrival order as tokens are refilled.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	tokens   int
	refill   int
	interval time.Duration
	waiters  *list.List // of chan struct{}
}

// NewTokenBucket returns a full bucket that gains refill tokens every
// interval once Run is started.
func NewTokenBucket(capacity, refill int, interval time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refill < 1 {
		refill = 1
	}
	return &TokenBucket{
		capacity: capacity,
		tokens:   capacity,
		refill:   refill,
		interval: interval,
		waiters:  list.New(),
	}
}

// Acquire takes one token, blocking until one is available or ctx ends.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.tokens > 0 && b.waiters.Len() == 0 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := b.waiters.PushBack(ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		select {
		case <-ch:
			// Granted while we were giving up; pass the token on.
			b.release()
		default:
			b.waiters.Remove(elem)
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Refill adds one interval's worth of tokens and hands them to waiters in
// FIFO order.
func (b *TokenBucket) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	for b.tokens > 0 && b.waiters.Len() > 0 {
		b.tokens--
		front := b.waiters.Front()
		b.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	}
}

// release returns one token. Must hold mu.
func (b *TokenBucket) release() {
	if front := b.waiters.Front(); front != nil {
		b.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if b.tokens < b.capacity {
		b.tokens++
	}
}

// Run refills the bucket every interval until ctx is done.
func (b *TokenBucket) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refill()
		}
	}
}

func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

func (b *TokenBucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}
