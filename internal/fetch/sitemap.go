package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"
)

// maxSitemapDepth bounds sitemap index recursion.
const maxSitemapDepth = 3

// Sitemaps discovers product URLs from a store's sitemap.
type Sitemaps struct {
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewSitemaps creates a sitemap reader that fetches through f.
func NewSitemaps(f *Fetcher, logger *slog.Logger) *Sitemaps {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sitemaps{fetcher: f, logger: logger}
}

// Locations returns every <loc> reachable from sitemapURL, following
// sitemap indexes. When match is non-nil only accepted locations are kept.
func (s *Sitemaps) Locations(ctx context.Context, sitemapURL string, match func(string) bool) ([]string, error) {
	return s.read(ctx, sitemapURL, match, 0)
}

func (s *Sitemaps) read(ctx context.Context, sitemapURL string, match func(string) bool, depth int) ([]string, error) {
	s.logger.Debug("fetching sitemap", "url", sitemapURL)
	resp, err := s.fetcher.Get(ctx, sitemapURL, map[string]string{"Accept": "application/xml,text/xml"})
	if err != nil {
		return nil, fmt.Errorf("sitemap: %w", err)
	}

	var locs []string
	seen := 0
	parseErr := sitemap.Parse(bytes.NewReader(resp.Body), func(e sitemap.Entry) error {
		seen++
		if loc := e.GetLocation(); match == nil || match(loc) {
			locs = append(locs, loc)
		}
		return nil
	})
	if parseErr == nil && seen > 0 {
		return locs, nil
	}

	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(resp.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil || len(nested) == 0 {
		if err := errors.Join(parseErr, indexErr); err != nil {
			return nil, fmt.Errorf("sitemap: %s is neither a urlset nor an index: %w", sitemapURL, err)
		}
		return nil, fmt.Errorf("sitemap: %s is neither a urlset nor an index", sitemapURL)
	}
	if depth >= maxSitemapDepth {
		return nil, fmt.Errorf("sitemap: index nesting deeper than %d at %s", maxSitemapDepth, sitemapURL)
	}

	for _, n := range nested {
		if ctx.Err() != nil {
			return locs, ctx.Err()
		}
		more, err := s.read(ctx, n, match, depth+1)
		if err != nil {
			s.logger.Warn("nested sitemap failed", "url", n, "err", err)
			continue
		}
		locs = append(locs, more...)
	}
	return locs, nil
}
