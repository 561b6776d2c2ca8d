// Package fetch is the outbound HTTP layer shared by the api and html store
// strategies: fingerprinted TLS, rotating User-Agents and proxies, and
// bot-wall detection on every response.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/partprice/internal/bypass"
	"github.com/FranksOps/partprice/internal/fingerprint"
	"github.com/FranksOps/partprice/internal/metrics"
	"github.com/FranksOps/partprice/pkg/httpclient"
	"github.com/FranksOps/partprice/pkg/proxy"
	"github.com/FranksOps/partprice/pkg/useragent"
)

type contextKey struct{}

// DefaultHeaders mimic a desktop browser navigation.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7",
	"Accept-Language": "en-US,en;q=0.7",
}

// StatusError is returned for responses with a 4xx or 5xx status that are
// not bot walls.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// NotFound reports whether err is a 404 or 410 StatusError.
func NotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusGone)
}

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool
	MaxBodyBytes int64
	Fingerprint  fingerprint.Profile
	// Insecure skips certificate verification; test servers only.
	Insecure   bool
	Proxies    *proxy.Pool
	UserAgents *useragent.Pool
	Headers    map[string]string
	// Walls overrides the bot-wall signatures. Nil uses bypass.Walls().
	Walls []bypass.Wall
}

// Fetcher performs GETs. One Fetcher is shared by all strategies, so its
// transport pools connections across stores.
type Fetcher struct {
	client    *httpclient.Client
	transport *http.Transport
	proxies   *proxy.Pool
	uas       *useragent.Pool
	walls     []bypass.Wall
	logger    *slog.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.NewPool(nil, useragent.ModeRandom)
	}
	if cfg.Walls == nil {
		cfg.Walls = bypass.Walls()
	}
	headers := make(map[string]string, len(DefaultHeaders)+len(cfg.Headers))
	for k, v := range DefaultHeaders {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	// The proxy is chosen per request and carried in the request context,
	// so one transport serves every proxy.
	transport, err := fingerprint.Transport(fingerprint.Options{
		Profile:            cfg.Fingerprint,
		Proxy:              proxyFromContext,
		InsecureSkipVerify: cfg.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Headers:      headers,
		UserAgent:    cfg.UserAgents.Next,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: client: %w", err)
	}

	return &Fetcher{
		client:    client,
		transport: transport,
		proxies:   cfg.Proxies,
		uas:       cfg.UserAgents,
		walls:     cfg.Walls,
		logger:    logger,
	}, nil
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	if u, ok := req.Context().Value(contextKey{}).(*url.URL); ok && u != nil {
		return u, nil
	}
	return http.ProxyFromEnvironment(req)
}

// WithProxy picks the next proxy from the pool and attaches it to ctx.
// It returns the proxy so the caller can report the outcome; nil means a
// direct connection.
func (f *Fetcher) WithProxy(ctx context.Context) (context.Context, *url.URL) {
	if f.proxies == nil {
		return ctx, nil
	}
	u := f.proxies.Next()
	if u == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, contextKey{}, u), u
}

// Report feeds a request outcome back into the proxy pool.
func (f *Fetcher) Report(proxyURL *url.URL, err error) {
	if f.proxies == nil || proxyURL == nil {
		return
	}
	if err != nil {
		_ = f.proxies.MarkFailure(proxyURL)
		metrics.ProxyFailures.WithLabelValues(proxyURL.Redacted()).Inc()
		return
	}
	_ = f.proxies.MarkSuccess(proxyURL)
}

// Transport exposes the shared transport for collectors that manage their
// own requests.
func (f *Fetcher) Transport() http.RoundTripper { return f.transport }

// UserAgent returns the next User-Agent from the pool.
func (f *Fetcher) UserAgent() string { return f.uas.Next() }

// Walls returns the active bot-wall signatures.
func (f *Fetcher) Walls() []bypass.Wall { return f.walls }

// Get fetches target. The response is returned whenever one arrived, even
// alongside a *StatusError or *bypass.BlockedError.
func (f *Fetcher) Get(ctx context.Context, target string, headers map[string]string) (*httpclient.Response, error) {
	host := target
	if u, err := url.Parse(target); err == nil {
		host = u.Host
	}

	ctx, proxyURL := f.WithProxy(ctx)
	start := time.Now()
	resp, err := f.client.Fetch(ctx, target, headers)
	if err != nil {
		f.Report(proxyURL, err)
		metrics.RecordFetch(host, 0, "", time.Since(start), 0)
		f.logger.Debug("fetch failed", "url", target, "err", err)
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	f.Report(proxyURL, nil)

	wallErr := bypass.Check(bypass.Page{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, f.walls)
	vendor := ""
	var blocked *bypass.BlockedError
	if errors.As(wallErr, &blocked) {
		vendor = blocked.Vendor
	}
	metrics.RecordFetch(host, resp.StatusCode, vendor, resp.Elapsed, len(resp.Body))

	if wallErr != nil {
		f.logger.Warn("bot wall detected", "url", target, "vendor", vendor, "status", resp.StatusCode)
		return resp, wallErr
	}
	if resp.StatusCode >= 400 {
		return resp, &StatusError{Code: resp.StatusCode, URL: target}
	}
	return resp, nil
}

// Describe turns a Get error into the message recorded on an error offer.
func Describe(err error) string {
	var blocked *bypass.BlockedError
	var se *StatusError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &blocked):
		return blocked.Error()
	case NotFound(err):
		return "product not found"
	case errors.As(err, &se):
		return fmt.Sprintf("store returned HTTP %d", se.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "request failed: " + err.Error()
}
