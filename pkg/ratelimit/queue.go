package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/FranksOps/partprice/pkg/clock"
)

// queued adapts a window to the Limiter interface with a bounded FIFO queue.
// Only the head of the queue is ever admitted, so waiters are served in
// arrival order.
type queued struct {
	policy     Policy
	clock      clock.Clock
	queueLimit int

	mu      sync.Mutex
	win     window
	waiters []chan struct{}
	timer   *time.Timer
}

func newQueued(policy Policy, w window, queueLimit int, clk clock.Clock) *queued {
	return &queued{
		policy:     policy,
		clock:      clk,
		queueLimit: queueLimit,
		win:        w,
	}
}

func (q *queued) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	now := q.clock.Now()
	if len(q.waiters) == 0 && q.win.next(now) == 0 {
		q.win.take(now)
		q.mu.Unlock()
		return func() {}, nil
	}

	if len(q.waiters) >= q.queueLimit {
		retry := q.win.next(now) + time.Duration(len(q.waiters))*q.win.spacing()
		q.mu.Unlock()
		return nil, &RejectedError{Policy: q.policy, RetryAfter: retry}
	}

	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.scheduleLocked(now)
	q.mu.Unlock()

	select {
	case <-ready:
		return func() {}, nil
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeLocked(ready)
		q.mu.Unlock()
		if !removed {
			// Admitted between ctx firing and taking the lock; the permit
			// is already spent, so hand it over.
			return func() {}, nil
		}
		return nil, ctx.Err()
	}
}

// Waiting reports the current queue depth.
func (q *queued) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *queued) scheduleLocked(now time.Time) {
	for len(q.waiters) > 0 {
		wait := q.win.next(now)
		if wait > 0 {
			if q.timer == nil {
				q.timer = time.AfterFunc(wait, q.dispatch)
			}
			return
		}
		q.win.take(now)
		head := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(head)
	}
}

func (q *queued) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer = nil
	q.scheduleLocked(q.clock.Now())
}

func (q *queued) removeLocked(ready chan struct{}) bool {
	for i, w := range q.waiters {
		if w == ready {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}
