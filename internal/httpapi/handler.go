// Package httpapi serves comparisons over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	scalargo "github.com/bdpiprava/scalar-go"

	"github.com/FranksOps/partprice/internal/compare"
	"github.com/FranksOps/partprice/internal/metrics"
	"github.com/FranksOps/partprice/internal/orchestrator"
	"github.com/FranksOps/partprice/internal/report"
	"github.com/FranksOps/partprice/internal/strategy"
)

// Comparer runs comparisons; *orchestrator.Orchestrator satisfies it.
type Comparer interface {
	Compare(ctx context.Context, req orchestrator.Request) (*compare.Comparison, error)
}

// StoreInfo describes one registered store.
type StoreInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Enabled bool     `json:"enabled"`
	Aliases []string `json:"aliases,omitempty"`
}

// Stores lists the registrations in reg.
func Stores(reg *strategy.Registry) []StoreInfo {
	regs := reg.Registrations()
	out := make([]StoreInfo, 0, len(regs))
	for _, r := range regs {
		s := r.Strategy
		out = append(out, StoreInfo{
			ID:      r.StoreID,
			Name:    s.StoreName(),
			Type:    string(s.Type()),
			Enabled: s.Enabled(),
			Aliases: s.Configuration().List(strategy.KeyAliases),
		})
	}
	return out
}

// Options configures the handler.
type Options struct {
	// DocsDir holds the OpenAPI document rendered at /docs. Empty disables it.
	DocsDir string
	// Metrics mounts /metrics on the same mux.
	Metrics bool
	Logger  *slog.Logger
}

type handler struct {
	cmp    Comparer
	stores []StoreInfo
	opts   Options
	logger *slog.Logger
}

// NewHandler routes /compare, /stores, /healthz and optionally /docs and
// /metrics.
func NewHandler(cmp Comparer, reg *strategy.Registry, opts Options) http.Handler {
	h := &handler{cmp: cmp, stores: Stores(reg), opts: opts, logger: opts.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /compare", h.compare)
	mux.HandleFunc("GET /stores", h.listStores)
	mux.HandleFunc("GET /healthz", h.healthz)
	if opts.DocsDir != "" {
		mux.HandleFunc("GET /docs", h.docs)
	}
	if opts.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

func (h *handler) compare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := orchestrator.Request{PartNumber: q.Get("part")}

	for _, raw := range q["stores"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				req.Stores = append(req.Stores, s)
			}
		}
	}

	if v := q.Get("deadline"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			WriteBadRequest(w, fmt.Sprintf("invalid deadline %q: want a positive duration such as 10s", v), r.URL.Path)
			return
		}
		req.Deadline = d
	}

	format, err := report.ParseFormat(q.Get("format"))
	if err != nil {
		WriteBadRequest(w, err.Error(), r.URL.Path)
		return
	}
	if q.Get("format") == "" {
		format = report.FormatJSON
	}

	c, err := h.cmp.Compare(r.Context(), req)
	var rejected *orchestrator.RejectedError
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		WriteBadRequest(w, err.Error(), r.URL.Path)
		return
	case errors.As(err, &rejected):
		WriteRateLimited(w, "Too many comparisons in flight, please retry later.", rejected.RetryAfterSeconds())
		return
	case errors.Is(err, context.Canceled):
		h.logger.Debug("client went away", "part", req.PartNumber)
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "request cancelled", r.URL.Path)
		return
	default:
		h.logger.Error("compare failed", "part", req.PartNumber, "err", err)
		WriteInternalServerError(w, err, r.URL.Path)
		return
	}

	switch format {
	case report.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case report.FormatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	if c.Stats.Cache == compare.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	}
	if err := report.Write(w, format, c); err != nil {
		h.logger.Error("encode response", "err", err)
	}
}

func (h *handler) listStores(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stores); err != nil {
		h.logger.Error("encode stores", "err", err)
	}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (h *handler) docs(w http.ResponseWriter, r *http.Request) {
	html, err := scalargo.NewV2(
		scalargo.WithSpecDir(h.opts.DocsDir),
		scalargo.WithMetaDataOpts(
			scalargo.WithTitle("partprice API"),
		),
	)
	if err != nil {
		WriteInternalServerError(w, err, r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, html)
}
