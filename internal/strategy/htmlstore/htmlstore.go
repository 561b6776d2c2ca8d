// Package htmlstore scrapes store search or product pages with CSS
// selectors.
//
// Selectors take an optional "@attr" suffix ("a.title@href"); a bare
// "@attr" reads the item element itself. Without a suffix the element
// text is used, except for link and image selectors which default to href
// and src.
package htmlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/singleflight"

	"github.com/FranksOps/partprice/internal/bypass"
	"github.com/FranksOps/partprice/internal/fetch"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/partmatch"
	"github.com/FranksOps/partprice/internal/strategy"
)

// Configuration keys.
const (
	KeySearchURL      = "search_url_template"
	KeySitemapURL     = "sitemap_url"
	KeySitemapTTL     = "sitemap_ttl"
	KeyMaxPages       = "max_pages"
	KeyRespectRobots  = "respect_robots"
	KeyItemSelector   = "item_selector"
	KeyPriceSelector  = "price_selector"
	KeyLinkSelector   = "link_selector"
	KeyStockSelector  = "stock_selector"
	KeyStockText      = "stock_text"
	KeyQuantity       = "quantity_selector"
	KeyDescription    = "description_selector"
	KeyImageSelector  = "image_selector"
	KeyRatingSelector = "rating_selector"
	KeyDelivery       = "delivery_selector"

	// KeyMatchPart drops listings whose description and link do not mention
	// the requested part number.
	KeyMatchPart = "match_part"
)

type selectors struct {
	item, price, link, stock, quantity, description, image, rating, delivery string
}

// Store is an html strategy. Each FetchOffers call clones the template
// collector, so calls share connections but not callbacks.
type Store struct {
	*strategy.Base
	fetcher  *fetch.Fetcher
	robots   *fetch.Robots
	sitemaps *fetch.Sitemaps
	logger   *slog.Logger

	template  *colly.Collector
	searchURL string
	sitemap   string
	maxPages  int
	sel       selectors
	stockText []string
	matchPart bool

	// sitemap locations, reread once smTTL has passed
	smTTL     time.Duration
	smTimeout time.Duration
	smGroup   singleflight.Group
	smMu      sync.Mutex
	smLocs    []string
	smAt      time.Time
}

// New validates configuration and prepares the collector template.
func New(desc strategy.Descriptor, load strategy.Loader, f *fetch.Fetcher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	desc.Type = strategy.TypeHTML
	base := strategy.NewBase(desc, load)
	cfg, err := base.Load()
	if err != nil {
		return nil, fmt.Errorf("htmlstore %s: load config: %w", desc.StoreName, err)
	}
	if err := cfg.Require(KeyItemSelector, KeyPriceSelector); err != nil {
		return nil, fmt.Errorf("htmlstore %s: %w", desc.StoreName, err)
	}
	search, sm := cfg.String(KeySearchURL, ""), cfg.String(KeySitemapURL, "")
	if search == "" && sm == "" {
		return nil, fmt.Errorf("htmlstore %s: one of %s or %s is required", desc.StoreName, KeySearchURL, KeySitemapURL)
	}
	if f == nil {
		return nil, fmt.Errorf("htmlstore %s: nil fetcher", desc.StoreName)
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.WithTransport(f.Transport())
	c.SetRequestTimeout(cfg.Duration(strategy.KeyTimeout, 30*time.Second))

	s := &Store{
		Base:      base,
		fetcher:   f,
		logger:    logger.With("store", desc.StoreName),
		template:  c,
		searchURL: search,
		sitemap:   sm,
		maxPages:  cfg.Int(KeyMaxPages, 5),
		stockText: cfg.List(KeyStockText),
		matchPart: cfg.Bool(KeyMatchPart, false),
		smTTL:     cfg.Duration(KeySitemapTTL, time.Hour),
		smTimeout: cfg.Duration(strategy.KeyTimeout, 30*time.Second),
		sel: selectors{
			item:        cfg.String(KeyItemSelector, ""),
			price:       cfg.String(KeyPriceSelector, ""),
			link:        cfg.String(KeyLinkSelector, ""),
			stock:       cfg.String(KeyStockSelector, ""),
			quantity:    cfg.String(KeyQuantity, ""),
			description: cfg.String(KeyDescription, ""),
			image:       cfg.String(KeyImageSelector, ""),
			rating:      cfg.String(KeyRatingSelector, ""),
			delivery:    cfg.String(KeyDelivery, ""),
		},
	}
	if cfg.Bool(KeyRespectRobots, false) {
		s.robots = fetch.NewRobots(f, logger)
	}
	if sm != "" {
		s.sitemaps = fetch.NewSitemaps(f, logger)
	}
	return s, nil
}

// FetchOffers implements strategy.Strategy.
func (s *Store) FetchOffers(ctx context.Context, partNumber, storeID string) []offer.Offer {
	src := offer.Source{ProductID: partNumber, StoreID: storeID, StoreName: s.StoreName()}

	pages, err := s.pages(ctx, partNumber, storeID)
	if err != nil {
		if ctx.Err() != nil {
			return []offer.Offer{offer.NewError(src, fetch.Describe(ctx.Err()), now())}
		}
		return []offer.Offer{offer.NewError(src, err.Error(), now())}
	}
	if len(pages) == 0 {
		return []offer.Offer{offer.NewError(src, "product not found", now())}
	}

	var out []offer.Offer
	for _, page := range pages {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.scrape(ctx, src, page)...)
	}
	if len(out) == 0 {
		if ctx.Err() != nil {
			return []offer.Offer{offer.NewError(src, fetch.Describe(ctx.Err()), now())}
		}
		return []offer.Offer{offer.NewError(src, "no offers listed", now())}
	}
	return out
}

// pages returns the URLs to scrape for partNumber.
func (s *Store) pages(ctx context.Context, partNumber, storeID string) ([]string, error) {
	if s.sitemap == "" {
		return []string{expand(s.searchURL, partNumber, storeID)}, nil
	}

	locs, err := s.sitemapLocations(ctx)
	if err != nil {
		return nil, err
	}

	m := partmatch.New(partNumber)
	var pages []string
	for _, loc := range locs {
		if m.Mentions(loc) {
			pages = append(pages, loc)
			if len(pages) == s.maxPages {
				break
			}
		}
	}
	return pages, nil
}

// sitemapLocations returns the cached sitemap locations, reading the sitemap
// when the cache is empty or stale. Concurrent callers share one read, and
// each stops waiting when its own ctx is done.
func (s *Store) sitemapLocations(ctx context.Context) ([]string, error) {
	s.smMu.Lock()
	locs, at := s.smLocs, s.smAt
	s.smMu.Unlock()
	if !at.IsZero() && (s.smTTL <= 0 || now().Sub(at) < s.smTTL) {
		return locs, nil
	}

	ch := s.smGroup.DoChan(s.sitemap, func() (any, error) {
		// Shared by every waiter, so bound by the store timeout rather than
		// the first caller's ctx.
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.smTimeout)
		defer cancel()
		read, err := s.sitemaps.Locations(readCtx, s.sitemap, nil)
		if err != nil {
			return nil, err
		}
		s.smMu.Lock()
		s.smLocs, s.smAt = read, now()
		s.smMu.Unlock()
		s.logger.Debug("sitemap loaded", "locations", len(read))
		return read, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("sitemap unavailable: %w", res.Err)
		}
		return res.Val.([]string), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) scrape(ctx context.Context, src offer.Source, page string) []offer.Offer {
	ua := s.fetcher.UserAgent()
	if s.robots != nil {
		allowed, err := s.robots.Allowed(ctx, page, ua)
		if err != nil {
			return []offer.Offer{offer.NewError(src, err.Error(), now())}
		}
		if !allowed {
			return []offer.Offer{offer.NewError(src, "disallowed by robots.txt", now())}
		}
	}

	reqCtx, proxyURL := s.fetcher.WithProxy(ctx)
	c := s.template.Clone()
	c.Context = reqCtx
	c.UserAgent = ua

	var (
		out     []offer.Offer
		failure error
		skipped int
		at      = now()
		match   = partmatch.New(src.ProductID)
	)
	c.OnRequest(func(r *colly.Request) {
		for k, v := range fetch.DefaultHeaders {
			r.Headers.Set(k, v)
		}
	})
	c.OnHTML(s.sel.item, func(e *colly.HTMLElement) {
		if ctx.Err() != nil {
			return
		}
		l := s.listing(e.DOM)
		if s.matchPart && !match.Any(l.Description, l.URL) {
			skipped++
			return
		}
		out = append(out, l.Offer(src, e.Request.URL, s.stockText, at))
	})
	c.OnError(func(r *colly.Response, err error) {
		failure = classify(r, err, s.fetcher.Walls())
	})

	err := c.Visit(page)
	if err != nil && failure == nil {
		failure = err
	}
	s.fetcher.Report(proxyURL, transportErr(failure))
	if skipped > 0 {
		s.logger.Debug("listings without the part number skipped", "url", page, "skipped", skipped)
	}
	if failure != nil {
		s.logger.Debug("page failed", "url", page, "err", failure)
		return append(out, offer.NewError(src, fetch.Describe(failure), now()))
	}
	return out
}

func (s *Store) listing(item *goquery.Selection) strategy.RawListing {
	return strategy.RawListing{
		Price:       pick(item, s.sel.price, ""),
		URL:         pick(item, s.sel.link, "href"),
		Stock:       pick(item, s.sel.stock, ""),
		Quantity:    pick(item, s.sel.quantity, ""),
		Description: pick(item, s.sel.description, ""),
		Image:       pick(item, s.sel.image, "src"),
		Rating:      pick(item, s.sel.rating, ""),
		Delivery:    pick(item, s.sel.delivery, ""),
	}
}

// pick evaluates a "selector@attr" spec inside item.
func pick(item *goquery.Selection, spec, defAttr string) string {
	if spec == "" {
		return ""
	}
	sel, attr, hasAttr := strings.Cut(spec, "@")
	node := item
	if sel = strings.TrimSpace(sel); sel != "" {
		node = item.Find(sel).First()
	}
	if node.Length() == 0 {
		return ""
	}
	if !hasAttr && defAttr != "" {
		attr, hasAttr = defAttr, true
	}
	if hasAttr {
		if v, ok := node.Attr(strings.TrimSpace(attr)); ok {
			return v
		}
		if defAttr == "" {
			return ""
		}
	}
	return strings.TrimSpace(node.Text())
}

// classify maps a colly failure to the error the fetch layer would report.
func classify(r *colly.Response, err error, walls []bypass.Wall) error {
	if r == nil || r.StatusCode == 0 {
		return err
	}
	var h http.Header
	if r.Headers != nil {
		h = *r.Headers
	}
	if wallErr := bypass.Check(bypass.Page{StatusCode: r.StatusCode, Header: h, Body: r.Body}, walls); wallErr != nil {
		return wallErr
	}
	if r.StatusCode >= 400 {
		return &fetch.StatusError{Code: r.StatusCode, URL: r.Request.URL.String()}
	}
	return err
}

// transportErr keeps only failures that say something about the proxy.
func transportErr(err error) error {
	var se *fetch.StatusError
	if err == nil || errors.As(err, &se) {
		return nil
	}
	return err
}

func expand(tmpl, part, store string) string {
	return strings.NewReplacer(
		"{part}", url.QueryEscape(strings.TrimSpace(part)),
		"{store}", url.QueryEscape(store),
	).Replace(tmpl)
}

func now() time.Time { return time.Now().UTC() }
