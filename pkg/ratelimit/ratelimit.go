// Package ratelimit provides admission control shared across concurrent
// callers. Four policies are supported: fixed window, sliding window, token
// bucket and concurrency. Requests over the instantaneous limit wait in a
// bounded FIFO queue; once the queue is full they are rejected immediately
// with a retry-after hint.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/FranksOps/partprice/pkg/clock"
)

// Policy names an admission policy.
type Policy string

const (
	PolicyNone          Policy = "none"
	PolicyFixedWindow   Policy = "fixed_window"
	PolicySlidingWindow Policy = "sliding_window"
	PolicyTokenBucket   Policy = "token_bucket"
	PolicyConcurrency   Policy = "concurrency"
)

const defaultSegments = 4

// Config selects and tunes a policy.
type Config struct {
	Policy Policy `mapstructure:"policy" yaml:"policy"`
	// Permits is the window budget (fixed/sliding), the bucket capacity
	// (token bucket) or the number of in-flight operations (concurrency).
	Permits int `mapstructure:"permits" yaml:"permits"`
	// Window is the window length, or the refill period for token buckets.
	Window time.Duration `mapstructure:"window" yaml:"window"`
	// Segments subdivides the sliding window.
	Segments int `mapstructure:"segments" yaml:"segments"`
	// TokensPerPeriod is the token bucket refill amount per Window.
	// Defaults to Permits.
	TokensPerPeriod int `mapstructure:"tokens_per_period" yaml:"tokens_per_period"`
	// QueueLimit bounds the number of waiting callers. Zero disables queueing.
	QueueLimit int `mapstructure:"queue_limit" yaml:"queue_limit"`
}

// Limiter admits units of work. It is safe for concurrent use.
type Limiter interface {
	// Acquire blocks until a permit is granted, the queue rejects the caller,
	// or ctx is done. The returned release func must be called once the work
	// finishes; calling it more than once is harmless.
	Acquire(ctx context.Context) (release func(), err error)
}

// RejectedError reports that the caller was turned away without waiting.
type RejectedError struct {
	Policy     Policy
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): retry after %ds", e.Policy, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the hint up to whole seconds, never below one.
func (e *RejectedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// New builds a Limiter for cfg. A nil clk uses the system clock.
func New(cfg Config, clk clock.Clock) (Limiter, error) {
	if clk == nil {
		clk = clock.NewReal()
	}
	if cfg.QueueLimit < 0 {
		return nil, fmt.Errorf("ratelimit: negative queue limit %d", cfg.QueueLimit)
	}

	switch cfg.Policy {
	case "", PolicyNone:
		return Unlimited(), nil
	case PolicyConcurrency:
		if cfg.Permits <= 0 {
			return nil, fmt.Errorf("ratelimit: %s needs permits > 0", cfg.Policy)
		}
		return newConcurrencyLimiter(cfg.Permits, cfg.QueueLimit, clk), nil
	}

	if cfg.Permits <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: %s needs permits > 0 and window > 0", cfg.Policy)
	}

	var w window
	switch cfg.Policy {
	case PolicyFixedWindow:
		w = newFixedWindow(cfg.Permits, cfg.Window)
	case PolicySlidingWindow:
		segments := cfg.Segments
		if segments <= 0 {
			segments = defaultSegments
		}
		w = newSlidingWindow(cfg.Permits, cfg.Window, segments)
	case PolicyTokenBucket:
		tokens := cfg.TokensPerPeriod
		if tokens <= 0 {
			tokens = cfg.Permits
		}
		w = newTokenBucket(cfg.Permits, tokens, cfg.Window)
	default:
		return nil, fmt.Errorf("ratelimit: unknown policy %q", cfg.Policy)
	}

	return newQueued(cfg.Policy, w, cfg.QueueLimit, clk), nil
}

type unlimited struct{}

// Unlimited returns a Limiter that never blocks.
func Unlimited() Limiter { return unlimited{} }

func (unlimited) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

type chain []Limiter

// Chain acquires from every limiter in order and releases in reverse.
// Nil limiters are skipped. If any acquisition fails, permits already held
// are released before the error is returned.
func Chain(limiters ...Limiter) Limiter {
	var c chain
	for _, l := range limiters {
		if l != nil {
			c = append(c, l)
		}
	}
	return c
}

func (c chain) Acquire(ctx context.Context) (func(), error) {
	held := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, l := range c {
		release, err := l.Acquire(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return once(releaseAll), nil
}

func once(f func()) func() {
	var o sync.Once
	return func() { o.Do(f) }
}
