package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/partprice/pkg/clock"
	"golang.org/x/sync/semaphore"
)

const defaultHoldEstimate = time.Second

// concurrencyLimiter caps in-flight operations. semaphore.Weighted serves
// waiters in FIFO order; the waiting counter bounds the queue on top of it.
type concurrencyLimiter struct {
	sem        *semaphore.Weighted
	permits    int
	queueLimit int64
	waiting    atomic.Int64
	clock      clock.Clock

	mu   sync.Mutex
	hold time.Duration // moving average of how long permits are held
}

func newConcurrencyLimiter(permits, queueLimit int, clk clock.Clock) *concurrencyLimiter {
	return &concurrencyLimiter{
		sem:        semaphore.NewWeighted(int64(permits)),
		permits:    permits,
		queueLimit: int64(queueLimit),
		clock:      clk,
	}
}

func (c *concurrencyLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !c.sem.TryAcquire(1) {
		if c.waiting.Add(1) > c.queueLimit {
			depth := c.waiting.Add(-1)
			return nil, &RejectedError{Policy: PolicyConcurrency, RetryAfter: c.retryHint(depth)}
		}
		err := c.sem.Acquire(ctx, 1)
		c.waiting.Add(-1)
		if err != nil {
			return nil, err
		}
	}

	start := c.clock.Now()
	return once(func() {
		c.observe(c.clock.Now().Sub(start))
		c.sem.Release(1)
	}), nil
}

// Waiting reports the current queue depth.
func (c *concurrencyLimiter) Waiting() int {
	return int(c.waiting.Load())
}

func (c *concurrencyLimiter) observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hold == 0 {
		c.hold = d
		return
	}
	c.hold = (c.hold*7 + d) / 8
}

// retryHint estimates when a slot frees up for a caller arriving behind
// depth queued waiters.
func (c *concurrencyLimiter) retryHint(depth int64) time.Duration {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold <= 0 {
		hold = defaultHoldEstimate
	}
	rounds := depth/int64(c.permits) + 1
	return time.Duration(rounds) * hold
}
