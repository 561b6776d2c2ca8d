// Package metrics exposes Prometheus instrumentation for comparisons,
// store calls, outbound fetches and the shared limiters and cache.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_comparisons_total",
			Help: "Comparisons served, by outcome (complete, degraded, empty, cached, rejected, invalid)",
		},
		[]string{"outcome"},
	)

	ComparisonDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partprice_comparison_duration_seconds",
			Help:    "Wall time of live comparisons",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	StoreCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_store_calls_total",
			Help: "Strategy invocations by store, type and outcome",
		},
		[]string{"store", "type", "outcome"},
	)

	StoreCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partprice_store_call_duration_seconds",
			Help:    "Duration of strategy invocations",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"store", "type"},
	)

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_offers_total",
			Help: "Offer records produced, by store and kind (quote, error)",
		},
		[]string{"store", "kind"},
	)

	LimiterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_limiter_rejections_total",
			Help: "Permits refused, by limiter scope (global, store)",
		},
		[]string{"scope"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_cache_lookups_total",
			Help: "Comparison cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_fetch_requests_total",
			Help: "Outbound HTTP requests made by store strategies",
		},
		[]string{"host", "status", "wall"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partprice_fetch_duration_seconds",
			Help:    "Duration of outbound HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_fetch_bytes_total",
			Help: "Response bytes downloaded by store strategies",
		},
		[]string{"host"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partprice_proxy_failures_total",
			Help: "Requests that failed through a proxy",
		},
		[]string{"proxy"},
	)
)

// RecordFetch records one outbound request. status 0 means a transport
// error; wall is the bot-protection vendor, if any.
func RecordFetch(host string, status int, wall string, d time.Duration, bytes int) {
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	FetchRequestsTotal.WithLabelValues(host, s, wall).Inc()
	FetchDuration.WithLabelValues(host).Observe(d.Seconds())
	FetchBytesTotal.WithLabelValues(host).Add(float64(bytes))
}

// RecordStoreCall records one strategy invocation and the offers it produced.
func RecordStoreCall(store, typ, outcome string, d time.Duration, quotes, errs int) {
	StoreCallsTotal.WithLabelValues(store, typ, outcome).Inc()
	StoreCallDuration.WithLabelValues(store, typ).Observe(d.Seconds())
	if quotes > 0 {
		OffersTotal.WithLabelValues(store, "quote").Add(float64(quotes))
	}
	if errs > 0 {
		OffersTotal.WithLabelValues(store, "error").Add(float64(errs))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server is a standalone /metrics endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves /metrics in the background.
func Start(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting at most five seconds.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
