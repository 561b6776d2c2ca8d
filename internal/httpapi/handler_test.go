package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/internal/compare"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/orchestrator"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/ratelimit"
)

type fakeComparer struct {
	last orchestrator.Request
	fn   func(req orchestrator.Request) (*compare.Comparison, error)
}

func (f *fakeComparer) Compare(ctx context.Context, req orchestrator.Request) (*compare.Comparison, error) {
	f.last = req
	return f.fn(req)
}

type stub struct{ *strategy.Base }

func (stub) FetchOffers(ctx context.Context, part, storeID string) []offer.Offer { return nil }

func newTestHandler(t *testing.T, fn func(req orchestrator.Request) (*compare.Comparison, error)) (http.Handler, *fakeComparer) {
	t.Helper()
	reg, err := strategy.NewRegistry(
		strategy.Registration{StoreID: "alpha", Strategy: stub{strategy.NewBase(
			strategy.Descriptor{StoreName: "Alpha Parts", Type: strategy.TypeAPI, Enabled: true},
			strategy.Static(map[string]string{"aliases": "alpha,ap"}),
		)}},
		strategy.Registration{Strategy: stub{strategy.NewBase(
			strategy.Descriptor{StoreName: "Bravo", Type: strategy.TypeBrowser},
			nil,
		)}},
	)
	require.NoError(t, err)
	f := &fakeComparer{fn: fn}
	return NewHandler(f, reg, Options{}), f
}

func okComparison(req orchestrator.Request) (*compare.Comparison, error) {
	o := offer.NewQuote(
		offer.Source{ProductID: req.PartNumber, StoreID: "alpha", StoreName: "Alpha Parts"},
		offer.Listing{Price: decimal.RequireFromString("19.99"), ProductURL: "https://alpha.example/p", InStock: true},
		time.Now(),
	)
	c := compare.Assemble(req.PartNumber, req.Stores, []offer.Offer{o}, time.Now())
	c.RunID = "run-1"
	return c, nil
}

func TestCompare_OK(t *testing.T) {
	h, f := newTestHandler(t, okComparison)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?part=BRK-2201&stores=alpha,%20bravo&stores=charlie&deadline=3s", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "BRK-2201", f.last.PartNumber)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, f.last.Stores)
	assert.Equal(t, 3*time.Second, f.last.Deadline)

	var body compare.Comparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	require.Len(t, body.Offers, 1)
}

func TestCompare_Formats(t *testing.T) {
	h, _ := newTestHandler(t, okComparison)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?part=X&format=html", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<!DOCTYPE html>")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?part=X&format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompare_BadRequest(t *testing.T) {
	h, _ := newTestHandler(t, func(req orchestrator.Request) (*compare.Comparison, error) {
		return nil, fmt.Errorf("%w: part number is required", orchestrator.ErrInvalidRequest)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var pd ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pd))
	assert.Equal(t, "Bad Request", pd.Title)
	assert.Equal(t, "/compare", pd.Instance)
	assert.Contains(t, pd.Detail, "part number is required")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?part=X&deadline=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompare_RateLimited(t *testing.T) {
	h, _ := newTestHandler(t, func(req orchestrator.Request) (*compare.Comparison, error) {
		inner := &ratelimit.RejectedError{Policy: ratelimit.PolicyConcurrency, RetryAfter: 2500 * time.Millisecond}
		return nil, &orchestrator.RejectedError{Reason: "queue_full", RetryAfter: inner.RetryAfter, Err: inner}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/compare?part=X", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))

	var body RateLimited
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error)
	assert.Equal(t, 3, body.RetryAfter)
	assert.NotEmpty(t, body.Message)
	assert.True(t, strings.Contains(rec.Body.String(), `"retryAfter":3`))
}

func TestStores(t *testing.T) {
	h, _ := newTestHandler(t, okComparison)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stores", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stores []StoreInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stores))
	require.Len(t, stores, 2)
	assert.Equal(t, StoreInfo{ID: "alpha", Name: "Alpha Parts", Type: "api", Enabled: true, Aliases: []string{"alpha", "ap"}}, stores[0])
	assert.Equal(t, "Bravo", stores[1].ID)
	assert.False(t, stores[1].Enabled)
}

func TestHealthzAndMethods(t *testing.T) {
	h, _ := newTestHandler(t, okComparison)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/compare?part=X", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "docs are off without a docs dir")
}

func TestServer_StartStop(t *testing.T) {
	h, _ := newTestHandler(t, okComparison)
	srv, err := Start("127.0.0.1:0", h, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background(), time.Second))
}
