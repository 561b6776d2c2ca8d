// Package orchestrator runs the applicable store strategies for a part
// concurrently and merges what they return into one ranked comparison.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FranksOps/partprice/internal/cache"
	"github.com/FranksOps/partprice/internal/compare"
	"github.com/FranksOps/partprice/internal/metrics"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/storage"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/clock"
	"github.com/FranksOps/partprice/pkg/ratelimit"
)

// Messages recorded for stores that never produced output of their own.
const (
	MsgTimedOut         = "timed out"
	MsgRateLimited      = "rate limited"
	MsgLimiterTimeout   = "timed out waiting for rate limit"
	MsgDeadlineElapsed  = "deadline elapsed before dispatch"
	rejectReasonQueue   = "queue_full"
	rejectReasonTimeout = "deadline"
)

// ErrInvalidRequest is returned for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid request")

// RejectedError is returned when a comparison is turned away as a whole.
type RejectedError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("comparison rejected (%s): retry after %ds", e.Reason, e.RetryAfterSeconds())
}

func (e *RejectedError) Unwrap() error { return e.Err }

// RetryAfterSeconds rounds the hint up to whole seconds, never below one.
func (e *RejectedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Request asks for a comparison of one part across stores.
type Request struct {
	PartNumber string
	// Stores selects stores by name or alias. Empty means every enabled store.
	Stores []string
	// Deadline overrides the configured default when positive.
	Deadline time.Duration
}

// Orchestrator fans a request out over the registry. It is safe for
// concurrent use; limiters, cache and history are shared by all runs.
type Orchestrator struct {
	registry  *strategy.Registry
	cfg       Config
	admission ratelimit.Limiter
	byType    map[strategy.Type]ratelimit.Limiter
	byStore   map[string]ratelimit.Limiter

	cache   cache.Store
	history storage.Backend
	logger  *slog.Logger
	clock   clock.Clock
	hook    StateHook
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables the comparison cache.
func WithCache(s cache.Store) Option {
	return func(o *Orchestrator) { o.cache = s }
}

// WithHistory records every live run's offers.
func WithHistory(b storage.Backend) Option {
	return func(o *Orchestrator) { o.history = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithStateHook observes run state transitions.
func WithStateHook(h StateHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// New builds the limiters described by cfg for the strategies in reg.
func New(reg *strategy.Registry, cfg Config, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: nil registry")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		registry: reg,
		cfg:      cfg,
		byType:   make(map[strategy.Type]ratelimit.Limiter),
		byStore:  make(map[string]ratelimit.Limiter),
		logger:   slog.Default(),
		clock:    clock.NewReal(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.admission, err = ratelimit.New(cfg.Admission, o.clock); err != nil {
		return nil, fmt.Errorf("orchestrator: admission: %w", err)
	}

	for _, t := range strategy.Types {
		n := cfg.Concurrency[string(t)]
		if n <= 0 {
			continue
		}
		l, err := ratelimit.New(o.concurrency(n), o.clock)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %s concurrency: %w", t, err)
		}
		o.byType[t] = l
	}

	limits := make(map[string]ratelimit.Config, len(cfg.StoreLimits))
	for name, lc := range cfg.StoreLimits {
		limits[strings.ToLower(name)] = lc
	}
	for _, r := range reg.Registrations() {
		name := r.Strategy.StoreName()
		key := strings.ToLower(name)

		var chain []ratelimit.Limiter
		if n := r.Strategy.Configuration().Int(strategy.KeyMaxConcurrent, 0); n > 0 {
			l, err := ratelimit.New(o.concurrency(n), o.clock)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: %s: %w", name, err)
			}
			chain = append(chain, l)
		}
		if lc, ok := limits[key]; ok {
			l, err := ratelimit.New(lc, o.clock)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: %s limit: %w", name, err)
			}
			chain = append(chain, l)
		}
		if len(chain) > 0 {
			o.byStore[key] = ratelimit.Chain(chain...)
		}
	}

	return o, nil
}

func (o *Orchestrator) concurrency(n int) ratelimit.Config {
	return ratelimit.Config{Policy: ratelimit.PolicyConcurrency, Permits: n, QueueLimit: o.cfg.QueueLimit}
}

// Registry returns the strategies this orchestrator dispatches to.
func (o *Orchestrator) Registry() *strategy.Registry { return o.registry }

// Compare runs one comparison. Store failures degrade the result but never
// fail the call; errors are returned only for invalid requests
// (ErrInvalidRequest), rejected admissions (*RejectedError) and callers
// that give up first (their context error).
func (o *Orchestrator) Compare(ctx context.Context, req Request) (*compare.Comparison, error) {
	part := strings.TrimSpace(req.PartNumber)
	if part == "" {
		metrics.ComparisonsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: part number is required", ErrInvalidRequest)
	}
	if req.Deadline < 0 {
		metrics.ComparisonsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: negative deadline", ErrInvalidRequest)
	}

	r := &run{id: uuid.NewString(), state: StatePending, hook: o.hook}
	logger := o.logger.With("run", r.id, "part", part)
	start := o.clock.Now()
	key := cache.ComparisonKey(part, req.Stores)

	if c, ok := o.lookup(ctx, key, logger); ok {
		if err := r.advance(StateCompleted); err != nil {
			return nil, err
		}
		metrics.ComparisonsTotal.WithLabelValues("cached").Inc()
		return c, nil
	}

	deadline := req.Deadline
	if deadline == 0 {
		deadline = o.cfg.Deadline
	}
	if o.cfg.MaxDeadline > 0 && deadline > o.cfg.MaxDeadline {
		deadline = o.cfg.MaxDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	release, err := o.admission.Acquire(runCtx)
	if err != nil {
		rejected := o.reject(ctx, err)
		if aerr := r.advance(StateRejected); aerr != nil {
			return nil, aerr
		}
		if rejected != nil {
			metrics.ComparisonsTotal.WithLabelValues("rejected").Inc()
			metrics.LimiterRejections.WithLabelValues("global").Inc()
			logger.Warn("comparison rejected", "err", rejected)
			return nil, rejected
		}
		return nil, fmt.Errorf("compare %s: %w", part, ctx.Err())
	}
	defer release()

	strategies := o.registry.ApplicableStrategies(req.Stores)
	if len(strategies) == 0 && len(req.Stores) > 0 {
		logger.Warn("no strategy serves the requested stores", "stores", req.Stores)
	}

	if err := r.advance(StateDispatching); err != nil {
		return nil, err
	}
	results := make([][]offer.Offer, len(strategies))
	var g errgroup.Group
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}
	for i, s := range strategies {
		g.Go(func() error {
			results[i] = o.task(runCtx, part, s, logger)
			return nil
		})
	}
	if err := r.advance(StateAwaiting); err != nil {
		return nil, err
	}
	_ = g.Wait()

	if err := r.advance(StateAssembling); err != nil {
		return nil, err
	}
	// Registration order, never completion order.
	var all []offer.Offer
	names := make([]string, 0, len(strategies))
	for i, s := range strategies {
		all = append(all, results[i]...)
		names = append(names, s.StoreName())
	}

	now := o.clock.Now()
	c := compare.Assemble(part, names, all, now)
	c.RunID = r.id
	c.Stats.StoresTotal = len(strategies)
	c.Stats.DurationMs = now.Sub(start).Milliseconds()
	c.Stats.Cache = compare.CacheOff
	if o.cache != nil {
		c.Stats.Cache = compare.CacheMiss
	}

	// The run deadline may have passed; persistence still has to finish.
	bg := context.WithoutCancel(ctx)
	o.store(bg, key, c, logger)
	o.record(bg, r.id, all, now, logger)

	if err := r.advance(StateCompleted); err != nil {
		return nil, err
	}

	outcome := "complete"
	switch {
	case len(c.Offers) == 0:
		outcome = "empty"
	case c.Degraded():
		outcome = "degraded"
	}
	metrics.ComparisonsTotal.WithLabelValues(outcome).Inc()
	metrics.ComparisonDuration.Observe(now.Sub(start).Seconds())
	logger.Info("comparison assembled",
		"outcome", outcome,
		"stores", len(strategies),
		"offers", len(c.Offers),
		"issues", len(c.Issues),
		"duplicates", c.Duplicates,
		"duration_ms", c.Stats.DurationMs,
	)
	return c, nil
}

// reject converts an admission failure. It returns nil when the caller's own
// context ended, which is not a rejection.
func (o *Orchestrator) reject(ctx context.Context, err error) *RejectedError {
	var rl *ratelimit.RejectedError
	if errors.As(err, &rl) {
		return &RejectedError{Reason: rejectReasonQueue, RetryAfter: rl.RetryAfter, Err: err}
	}
	if ctx.Err() != nil {
		return nil
	}
	return &RejectedError{Reason: rejectReasonTimeout, Err: err}
}

func (o *Orchestrator) lookup(ctx context.Context, key string, logger *slog.Logger) (*compare.Comparison, bool) {
	if o.cache == nil {
		return nil, false
	}
	data, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn("cache read failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var c compare.Comparison
	if err := json.Unmarshal(data, &c); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn("discarding unreadable cache entry", "key", key, "err", err)
		_ = o.cache.Delete(ctx, key)
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	c.Stats.Cache = compare.CacheHit
	logger.Debug("cache hit", "key", key, "cached_run", c.RunID)
	return &c, true
}

func (o *Orchestrator) store(ctx context.Context, key string, c *compare.Comparison, logger *slog.Logger) {
	if o.cache == nil || len(c.Offers) == 0 {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		logger.Warn("cache encode failed", "err", err)
		return
	}
	if err := o.cache.Set(ctx, key, data, o.cfg.CacheTTL); err != nil {
		logger.Warn("cache write failed", "key", key, "err", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, runID string, offers []offer.Offer, at time.Time, logger *slog.Logger) {
	if o.history == nil || len(offers) == 0 {
		return
	}
	if err := storage.SaveAll(ctx, o.history, storage.Records(runID, offers, at)); err != nil {
		logger.Warn("history write failed", "err", err)
	}
}
