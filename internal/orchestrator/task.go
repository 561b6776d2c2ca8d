package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/FranksOps/partprice/internal/metrics"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/ratelimit"
)

// task runs one strategy for one run and always returns at least one offer
// unless the strategy itself legitimately returned none.
func (o *Orchestrator) task(ctx context.Context, part string, s strategy.Strategy, logger *slog.Logger) []offer.Offer {
	name := s.StoreName()
	src := offer.Source{ProductID: part, StoreID: o.registry.StoreID(name), StoreName: name}
	logger = logger.With("store", name, "type", s.Type())
	start := o.clock.Now()

	if ctx.Err() != nil {
		o.recordCall(s, "skipped", start, nil)
		return []offer.Offer{offer.NewError(src, MsgDeadlineElapsed, start)}
	}

	// Store first: a task waiting on its own store must not hold a shared
	// type permit meanwhile.
	release, err := ratelimit.Chain(o.byStore[strings.ToLower(name)], o.byType[s.Type()]).Acquire(ctx)
	if err != nil {
		msg := MsgLimiterTimeout
		var rl *ratelimit.RejectedError
		if errors.As(err, &rl) {
			msg = MsgRateLimited
			metrics.LimiterRejections.WithLabelValues("store").Inc()
		}
		logger.Debug("no permit", "err", err)
		out := []offer.Offer{offer.NewError(src, msg, o.clock.Now())}
		o.recordCall(s, "rate_limited", start, out)
		return out
	}
	defer release()

	timeout := s.Configuration().Duration(strategy.KeyTimeout, o.cfg.Timeout(s.Type()))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	offers, outcome := o.invoke(callCtx, part, src, s, logger)
	for i := range offers {
		offers[i] = offers[i].Normalize(src)
	}
	o.recordCall(s, outcome, start, offers)

	logger.Debug("store finished", "outcome", outcome, "offers", len(offers), "elapsed", o.clock.Now().Sub(start))
	return offers
}

// invoke calls FetchOffers on its own goroutine so a strategy that ignores
// cancellation cannot hold the run past its timeout plus the grace period.
// Late results are dropped.
func (o *Orchestrator) invoke(ctx context.Context, part string, src offer.Source, s strategy.Strategy, logger *slog.Logger) ([]offer.Offer, string) {
	done := make(chan []offer.Offer, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("strategy panicked", "panic", p, "stack", string(debug.Stack()))
				done <- []offer.Offer{offer.NewError(src, fmt.Sprintf("strategy panicked: %v", p), o.clock.Now())}
			}
		}()
		done <- s.FetchOffers(ctx, part, src.StoreID)
	}()

	var offers []offer.Offer
	select {
	case offers = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(o.cfg.Grace)
		defer grace.Stop()
		select {
		case offers = <-done:
		case <-grace.C:
			logger.Warn("store ignored cancellation", "grace", o.cfg.Grace)
		}
	}

	if ctx.Err() == nil {
		return copyOffers(offers), "ok"
	}
	if len(offers) > 0 {
		return copyOffers(offers), "partial"
	}
	return []offer.Offer{offer.NewError(src, MsgTimedOut, o.clock.Now())}, "timeout"
}

func (o *Orchestrator) recordCall(s strategy.Strategy, outcome string, start time.Time, offers []offer.Offer) {
	var quotes, errs int
	for _, of := range offers {
		if of.HasError {
			errs++
		} else {
			quotes++
		}
	}
	metrics.RecordStoreCall(s.StoreName(), string(s.Type()), outcome, o.clock.Now().Sub(start), quotes, errs)
}

func copyOffers(in []offer.Offer) []offer.Offer {
	return append([]offer.Offer(nil), in...)
}
