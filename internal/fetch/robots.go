package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// Robots caches robots.txt per origin and answers whether a path may be
// fetched. Unreachable or missing robots.txt allows everything.
type Robots struct {
	fetcher *Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobots creates an auditor that fetches robots.txt through f.
func NewRobots(f *Fetcher, logger *slog.Logger) *Robots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Robots{fetcher: f, logger: logger, cache: make(map[string]*robotstxt.RobotsData)}
}

// Allowed reports whether agent may fetch target.
func (r *Robots) Allowed(ctx context.Context, target, agent string) (bool, error) {
	u, err := url.Parse(target)
	if err != nil {
		return false, fmt.Errorf("robots: invalid url: %w", err)
	}
	data := r.load(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true, nil
	}
	return data.FindGroup(agent).Test(u.EscapedPath()), nil
}

// Sitemaps lists the Sitemap entries declared by origin's robots.txt.
func (r *Robots) Sitemaps(ctx context.Context, origin string) []string {
	data := r.load(ctx, origin)
	if data == nil {
		return nil
	}
	return data.Sitemaps
}

// load returns the parsed robots.txt for origin, or nil to allow all. The
// lock is held across the fetch so concurrent calls for one origin fetch once.
func (r *Robots) load(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.Lock()
	defer r.mu.Unlock()

	if data, ok := r.cache[origin]; ok {
		return data
	}

	resp, err := r.fetcher.Get(ctx, origin+"/robots.txt", nil)
	if resp == nil {
		r.logger.Debug("robots.txt unreachable, allowing", "origin", origin, "err", err)
		if ctx.Err() == nil {
			r.cache[origin] = nil
		}
		return nil
	}
	if resp.StatusCode >= 500 {
		// robotstxt treats 5xx as disallow-all; a flaky origin should not
		// hide a store.
		r.cache[origin] = nil
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		r.logger.Debug("robots.txt unparsable, allowing", "origin", origin, "err", err)
		data = nil
	}
	r.cache[origin] = data
	return data
}
