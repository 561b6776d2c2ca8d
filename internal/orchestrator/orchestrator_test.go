package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/internal/cache/memory"
	"github.com/FranksOps/partprice/internal/compare"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/storage"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/clock"
	"github.com/FranksOps/partprice/pkg/ratelimit"
)

type fetchFunc func(ctx context.Context, part, storeID string) []offer.Offer

type funcStrategy struct {
	*strategy.Base
	fetch fetchFunc
	calls atomic.Int32
}

func newFunc(name string, typ strategy.Type, cfg map[string]string, fetch fetchFunc) *funcStrategy {
	return &funcStrategy{
		Base:  strategy.NewBase(strategy.Descriptor{StoreName: name, Type: typ, Enabled: true}, strategy.Static(cfg)),
		fetch: fetch,
	}
}

func (f *funcStrategy) FetchOffers(ctx context.Context, part, storeID string) []offer.Offer {
	f.calls.Add(1)
	return f.fetch(ctx, part, storeID)
}

func quotes(name string, prices ...int64) fetchFunc {
	return func(ctx context.Context, part, storeID string) []offer.Offer {
		var out []offer.Offer
		for i, p := range prices {
			out = append(out, offer.NewQuote(
				offer.Source{ProductID: part, StoreID: storeID, StoreName: name},
				offer.Listing{Price: decimal.NewFromInt(p), ProductURL: name + "/" + string(rune('a'+i)), InStock: true},
				time.Now(),
			))
		}
		return out
	}
}

func baseConfig() Config {
	return Config{
		Deadline:  2 * time.Second,
		Grace:     50 * time.Millisecond,
		Admission: ratelimit.Config{Policy: ratelimit.PolicyNone},
		CacheTTL:  time.Minute,
	}
}

func newOrchestrator(t *testing.T, cfg Config, opts []Option, ss ...strategy.Strategy) *Orchestrator {
	t.Helper()
	regs := make([]strategy.Registration, 0, len(ss))
	for _, s := range ss {
		regs = append(regs, strategy.Registration{Strategy: s})
	}
	reg, err := strategy.NewRegistry(regs...)
	require.NoError(t, err)
	o, err := New(reg, cfg, opts...)
	require.NoError(t, err)
	return o
}

func storeIDs(offers []offer.Offer) []string {
	out := make([]string, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.StoreID)
	}
	return out
}

func TestCompare_BrakePadScenario(t *testing.T) {
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 19990))
	b := newFunc("B", strategy.TypeHTML, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		return []offer.Offer{offer.NewError(offer.Source{ProductID: part, StoreID: storeID, StoreName: "B"}, "timeout", time.Now())}
	})
	rating := 4.9
	c := newFunc("C", strategy.TypeBrowser, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		src := offer.Source{ProductID: part, StoreID: storeID, StoreName: "C"}
		return []offer.Offer{
			offer.NewQuote(src, offer.Listing{Price: decimal.NewFromInt(21000), ProductURL: "c/1"}, time.Now()),
			offer.NewQuote(src, offer.Listing{Price: decimal.NewFromInt(19990), ProductURL: "c/2", Rating: &rating}, time.Now()),
		}
	})

	o := newOrchestrator(t, baseConfig(), nil, a, b, c)
	got, err := o.Compare(context.Background(), Request{PartNumber: "BRK-2201", Stores: []string{"A", "B", "C"}})
	require.NoError(t, err)

	require.Len(t, got.Offers, 3)
	assert.Equal(t, "c/2", got.Offers[0].ProductURL)
	assert.Equal(t, "A", got.Offers[1].StoreID)
	assert.Equal(t, "c/1", got.Offers[2].ProductURL)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, compare.Issue{StoreID: "B", StoreName: "B", Message: "timeout"}, got.Issues[0])

	assert.NotEmpty(t, got.RunID)
	assert.Equal(t, []string{"A", "B", "C"}, got.Stores)
	assert.Equal(t, 3, got.Stats.StoresTotal)
	assert.Equal(t, 2, got.Stats.StoresSucceeded)
	assert.Equal(t, 1, got.Stats.StoresFailed)
	assert.Equal(t, compare.CacheOff, got.Stats.Cache)
}

func TestCompare_InvalidRequest(t *testing.T) {
	o := newOrchestrator(t, baseConfig(), nil)
	_, err := o.Compare(context.Background(), Request{PartNumber: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = o.Compare(context.Background(), Request{PartNumber: "X", Deadline: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompare_NoStrategies(t *testing.T) {
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 1))
	o := newOrchestrator(t, baseConfig(), nil, a)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X", Stores: []string{"nowhere"}})
	require.NoError(t, err)
	assert.Empty(t, got.Offers)
	assert.Empty(t, got.Issues)
	assert.Zero(t, a.calls.Load())
}

func TestCompare_DeterministicUnderRandomCompletion(t *testing.T) {
	var ss []strategy.Strategy
	for i, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		inner := quotes(name, int64(100+i%2), int64(200-i))
		ss = append(ss, newFunc(name, strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
			time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
			return inner(ctx, part, storeID)
		}))
	}
	o := newOrchestrator(t, baseConfig(), nil, ss...)

	first, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := o.Compare(context.Background(), Request{PartNumber: "X"})
		require.NoError(t, err)
		assert.Equal(t, storeIDs(first.Offers), storeIDs(again.Offers))
	}
	assert.Len(t, first.Offers, 10)
}

func TestCompare_CacheHitSkipsStrategies(t *testing.T) {
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New(mock)
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 10))
	b := newFunc("B", strategy.TypeAPI, nil, quotes("B", 20))
	o := newOrchestrator(t, baseConfig(), []Option{WithCache(store), WithClock(mock)}, a, b)
	ctx := context.Background()

	first, err := o.Compare(ctx, Request{PartNumber: "brk-2201", Stores: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, compare.CacheMiss, first.Stats.Cache)

	second, err := o.Compare(ctx, Request{PartNumber: " BRK-2201", Stores: []string{"b", "a", "A"}})
	require.NoError(t, err)
	assert.Equal(t, compare.CacheHit, second.Stats.Cache)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, storeIDs(first.Offers), storeIDs(second.Offers))
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())

	_, err = o.Compare(ctx, Request{PartNumber: "BRK-2201", Stores: []string{"A"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, a.calls.Load(), "different store set is a different key")

	mock.Advance(2 * time.Minute)
	third, err := o.Compare(ctx, Request{PartNumber: "BRK-2201", Stores: []string{"A", "B"}})
	require.NoError(t, err)
	assert.Equal(t, compare.CacheMiss, third.Stats.Cache)
	assert.EqualValues(t, 2, b.calls.Load(), "expired entry is refetched")
}

func TestCompare_FailedRunIsNotCached(t *testing.T) {
	store := memory.New(nil)
	a := newFunc("A", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		return []offer.Offer{offer.NewError(offer.Source{}, "store returned HTTP 503", time.Now())}
	})
	o := newOrchestrator(t, baseConfig(), []Option{WithCache(store)}, a)

	for i := 0; i < 2; i++ {
		got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
		require.NoError(t, err)
		require.Len(t, got.Issues, 1)
		assert.Equal(t, "A", got.Issues[0].StoreID, "identity filled in from the registration")
	}
	assert.EqualValues(t, 2, a.calls.Load())
	assert.Zero(t, store.Len())
}

func TestCompare_DeadlineWithStuckStore(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	stuck := newFunc("stuck", strategy.TypeBrowser, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		<-block
		return nil
	})
	fast := newFunc("fast", strategy.TypeAPI, nil, quotes("fast", 5))
	o := newOrchestrator(t, baseConfig(), nil, stuck, fast)

	start := time.Now()
	got, err := o.Compare(context.Background(), Request{PartNumber: "X", Deadline: 100 * time.Millisecond})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, "fast", got.Offers[0].StoreID)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, compare.Issue{StoreID: "stuck", StoreName: "stuck", Message: MsgTimedOut}, got.Issues[0])
}

func TestCompare_PartialOutputAfterDeadline(t *testing.T) {
	slow := newFunc("slow", strategy.TypeHTML, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		first := quotes("slow", 42)(ctx, part, storeID)
		<-ctx.Done()
		return first
	})
	o := newOrchestrator(t, baseConfig(), nil, slow)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X", Deadline: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, got.Offers, 1)
	assert.Empty(t, got.Issues)
}

func TestCompare_PerCallTimeoutFromConfig(t *testing.T) {
	slow := newFunc("slow", strategy.TypeAPI, map[string]string{"timeout": "30ms"}, func(ctx context.Context, part, storeID string) []offer.Offer {
		<-ctx.Done()
		return nil
	})
	fast := newFunc("fast", strategy.TypeAPI, nil, quotes("fast", 1))
	o := newOrchestrator(t, baseConfig(), nil, slow, fast)

	start := time.Now()
	got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "run deadline is 2s; the store's own timeout is far shorter")
	require.Len(t, got.Issues, 1)
	assert.Equal(t, MsgTimedOut, got.Issues[0].Message)
}

func TestCompare_PanicBecomesIssue(t *testing.T) {
	bad := newFunc("bad", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		panic("nil map")
	})
	good := newFunc("good", strategy.TypeAPI, nil, quotes("good", 3))
	o := newOrchestrator(t, baseConfig(), nil, bad, good)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, "strategy panicked: nil map", got.Issues[0].Message)
	assert.Len(t, got.Offers, 1)
}

func TestCompare_DeadlineElapsedBeforeDispatch(t *testing.T) {
	first := newFunc("first", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		<-ctx.Done()
		return nil
	})
	second := newFunc("second", strategy.TypeAPI, nil, quotes("second", 1))
	cfg := baseConfig()
	cfg.MaxParallel = 1
	o := newOrchestrator(t, cfg, nil, first, second)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X", Deadline: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got.Offers)
	require.Len(t, got.Issues, 2)
	assert.Equal(t, MsgTimedOut, got.Issues[0].Message)
	assert.Equal(t, MsgDeadlineElapsed, got.Issues[1].Message)
	assert.Zero(t, second.calls.Load())
}

func TestCompare_AdmissionQueueFull(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	a := newFunc("A", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		once.Do(func() { close(started) })
		select {
		case <-hold:
		case <-ctx.Done():
		}
		return quotes("A", 1)(ctx, part, storeID)
	})
	cfg := baseConfig()
	cfg.Admission = ratelimit.Config{Policy: ratelimit.PolicyConcurrency, Permits: 1}
	o := newOrchestrator(t, cfg, nil, a)

	done := make(chan error, 1)
	go func() {
		_, err := o.Compare(context.Background(), Request{PartNumber: "ONE"})
		done <- err
	}()
	<-started

	_, err := o.Compare(context.Background(), Request{PartNumber: "TWO"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "queue_full", rejected.Reason)
	assert.GreaterOrEqual(t, rejected.RetryAfterSeconds(), 1)

	var inner *ratelimit.RejectedError
	assert.ErrorAs(t, err, &inner)

	close(hold)
	require.NoError(t, <-done)
}

func TestCompare_AdmissionDeadlineWhileQueued(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	a := newFunc("A", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		once.Do(func() { close(started) })
		<-hold
		return nil
	})
	cfg := baseConfig()
	cfg.Admission = ratelimit.Config{Policy: ratelimit.PolicyConcurrency, Permits: 1, QueueLimit: 4}
	o := newOrchestrator(t, cfg, nil, a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Compare(context.Background(), Request{PartNumber: "ONE"})
	}()
	<-started

	_, err := o.Compare(context.Background(), Request{PartNumber: "TWO", Deadline: 50 * time.Millisecond})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "deadline", rejected.Reason)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(hold)
	<-done
}

func TestCompare_CallerCancellationIsNotRejection(t *testing.T) {
	cfg := baseConfig()
	cfg.Admission = ratelimit.Config{Policy: ratelimit.PolicyConcurrency, Permits: 1, QueueLimit: 4}
	o := newOrchestrator(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Compare(ctx, Request{PartNumber: "X"})
	require.Error(t, err)
	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompare_StoreLimiterBackpressure(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	a := newFunc("A", strategy.TypeAPI, map[string]string{"max_concurrent_calls": "1"}, func(ctx context.Context, part, storeID string) []offer.Offer {
		once.Do(func() { close(started) })
		<-hold
		return quotes("A", 1)(ctx, part, storeID)
	})
	o := newOrchestrator(t, baseConfig(), nil, a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Compare(context.Background(), Request{PartNumber: "ONE"})
	}()
	<-started

	got, err := o.Compare(context.Background(), Request{PartNumber: "TWO", Deadline: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, MsgLimiterTimeout, got.Issues[0].Message)

	close(hold)
	<-done
}

func TestCompare_StoreQueueDoesNotStarveType(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	a := newFunc("A", strategy.TypeBrowser, map[string]string{"max_concurrent_calls": "1"}, func(ctx context.Context, part, storeID string) []offer.Offer {
		once.Do(func() { close(started) })
		<-hold
		return quotes("A", 1)(ctx, part, storeID)
	})
	b := newFunc("B", strategy.TypeBrowser, nil, quotes("B", 2))
	cfg := baseConfig()
	cfg.Concurrency = map[string]int{"browser": 2}
	o := newOrchestrator(t, cfg, nil, a, b)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = o.Compare(context.Background(), Request{PartNumber: "ONE", Stores: []string{"A"}})
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = o.Compare(context.Background(), Request{PartNumber: "TWO", Stores: []string{"A"}})
	}()
	time.Sleep(50 * time.Millisecond)

	got, err := o.Compare(context.Background(), Request{PartNumber: "THREE", Stores: []string{"B"}, Deadline: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got.Issues)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, "B", got.Offers[0].StoreID)

	close(hold)
	wg.Wait()
}

func TestCompare_EmptyStoreIsNotFailed(t *testing.T) {
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 3))
	empty := newFunc("Empty", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		return nil
	})
	broken := newFunc("Broken", strategy.TypeHTML, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		return []offer.Offer{offer.NewError(offer.Source{}, "store returned HTTP 503", time.Now())}
	})
	o := newOrchestrator(t, baseConfig(), nil, a, empty, broken)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stats.StoresTotal)
	assert.Equal(t, 1, got.Stats.StoresSucceeded)
	assert.Equal(t, 1, got.Stats.StoresFailed)
}

func TestCompare_AllStoresFailedIsWellFormed(t *testing.T) {
	fail := func(ctx context.Context, part, storeID string) []offer.Offer {
		return []offer.Offer{offer.NewError(offer.Source{}, "timed out", time.Now())}
	}
	o := newOrchestrator(t, baseConfig(), nil,
		newFunc("A", strategy.TypeAPI, nil, fail),
		newFunc("B", strategy.TypeHTML, nil, fail))

	got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	require.NotNil(t, got.Offers)
	assert.Empty(t, got.Offers)
	assert.Len(t, got.Issues, 2)
	assert.Equal(t, 2, got.Stats.StoresFailed)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"offers":[]`)
}

func TestCompare_StoreLimitRejects(t *testing.T) {
	started := make(chan struct{})
	hold := make(chan struct{})
	var once sync.Once
	a := newFunc("A", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		once.Do(func() { close(started) })
		<-hold
		return quotes("A", 1)(ctx, part, storeID)
	})
	cfg := baseConfig()
	cfg.StoreLimits = map[string]ratelimit.Config{"a": {Policy: ratelimit.PolicyConcurrency, Permits: 1}}
	o := newOrchestrator(t, cfg, nil, a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Compare(context.Background(), Request{PartNumber: "ONE"})
	}()
	<-started

	got, err := o.Compare(context.Background(), Request{PartNumber: "TWO"})
	require.NoError(t, err)
	require.Len(t, got.Issues, 1)
	assert.Equal(t, MsgRateLimited, got.Issues[0].Message)

	close(hold)
	<-done
}

func TestCompare_StateHook(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	hook := func(runID string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	}
	store := memory.New(nil)
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 1))
	o := newOrchestrator(t, baseConfig(), []Option{WithStateHook(hook), WithCache(store)}, a)

	_, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	assert.Equal(t, []State{StateDispatching, StateAwaiting, StateAssembling, StateCompleted}, seen)

	seen = nil
	_, err = o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)
	assert.Equal(t, []State{StateCompleted}, seen, "cache hit completes from pending")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateDispatching))
	assert.True(t, CanTransition(StatePending, StateRejected))
	assert.False(t, CanTransition(StateDispatching, StateCompleted))
	assert.False(t, CanTransition(StateCompleted, StatePending))
	assert.True(t, StateRejected.Terminal())
	assert.Equal(t, "awaiting", StateAwaiting.String())
}

type recordingBackend struct {
	mu   sync.Mutex
	recs []*storage.OfferRecord
}

func (r *recordingBackend) Save(ctx context.Context, rec *storage.OfferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recordingBackend) Query(ctx context.Context, f storage.Filter) ([]*storage.OfferRecord, error) {
	return nil, nil
}

func (r *recordingBackend) Close() error { return nil }

func TestCompare_RecordsHistory(t *testing.T) {
	hist := &recordingBackend{}
	a := newFunc("A", strategy.TypeAPI, nil, quotes("A", 1, 2))
	b := newFunc("B", strategy.TypeAPI, nil, func(ctx context.Context, part, storeID string) []offer.Offer {
		return []offer.Offer{offer.NewError(offer.Source{}, "product not found", time.Now())}
	})
	o := newOrchestrator(t, baseConfig(), []Option{WithHistory(hist)}, a, b)

	got, err := o.Compare(context.Background(), Request{PartNumber: "X"})
	require.NoError(t, err)

	require.Len(t, hist.recs, 3)
	for _, r := range hist.recs {
		assert.Equal(t, got.RunID, r.RunID)
		assert.Equal(t, "X", r.ProductID)
	}
	assert.Equal(t, "B", hist.recs[2].StoreID)
	assert.True(t, hist.recs[2].HasError)
}

func TestNew_RejectsUnknownType(t *testing.T) {
	reg, err := strategy.NewRegistry()
	require.NoError(t, err)
	_, err = New(reg, Config{Timeouts: map[string]time.Duration{"ftp": time.Second}})
	assert.Error(t, err)
}

func TestRejectedError_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, (&RejectedError{}).RetryAfterSeconds())
	assert.Equal(t, 3, (&RejectedError{RetryAfter: 2100 * time.Millisecond}).RetryAfterSeconds())
}
