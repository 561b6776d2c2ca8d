// Package browserstore drives a real browser for stores that only render
// prices client-side. Two drivers are available: chromedp (default) and
// rod, optionally with the stealth evasions.
//
// One browser is started lazily per strategy; each FetchOffers call opens
// its own tab and closes it when the call's context ends.
package browserstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/partprice/internal/fetch"
	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/strategy"
)

// Configuration keys beyond the html selector keys.
const (
	KeyDriver       = "driver"
	KeyPageURL      = "page_url_template"
	KeyWaitSelector = "wait_selector"
	KeyHeadless     = "headless"
	KeyStealth      = "stealth"
	KeyRemoteURL    = "remote_url"
	KeyUserAgent    = "user_agent"

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
)

// Driver names.
const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
)

// driver loads a page in a fresh tab, waits for a selector and returns the
// string the extraction function produced.
type driver interface {
	run(ctx context.Context, pageURL, waitSelector string, fn string) (string, error)
	Close() error
}

// Store is a browser strategy.
type Store struct {
	*strategy.Base
	drv    driver
	logger *slog.Logger

	pageURL   string
	wait      string
	script    string
	stockText []string
}

// New validates configuration and prepares the driver. The browser itself
// starts on the first call.
func New(desc strategy.Descriptor, load strategy.Loader, logger *slog.Logger) (*Store, error) {
	desc.Type = strategy.TypeBrowser
	base := strategy.NewBase(desc, load)
	cfg, err := base.Load()
	if err != nil {
		return nil, fmt.Errorf("browserstore %s: load config: %w", desc.StoreName, err)
	}

	var drv driver
	switch name := strings.ToLower(cfg.String(KeyDriver, DriverChromedp)); name {
	case DriverChromedp:
		drv = newChromedp(cfg)
	case DriverRod:
		drv = newRod(cfg)
	default:
		return nil, fmt.Errorf("browserstore %s: unknown driver %q", desc.StoreName, name)
	}
	return newStore(base, drv, logger)
}

func newStore(base *strategy.Base, drv driver, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := base.Configuration()
	if err := cfg.Require(KeyPageURL, KeyItemSelector, KeyPriceSelector); err != nil {
		return nil, fmt.Errorf("browserstore %s: %w", base.StoreName(), err)
	}
	script, err := extractor(selectorSet{
		Item:        cfg.String(KeyItemSelector, ""),
		Price:       cfg.String(KeyPriceSelector, ""),
		Link:        cfg.String(KeyLinkSelector, ""),
		Stock:       cfg.String(KeyStockSelector, ""),
		Quantity:    cfg.String(KeyQuantity, ""),
		Description: cfg.String(KeyDescription, ""),
		Image:       cfg.String(KeyImageSelector, ""),
		Rating:      cfg.String(KeyRatingSelector, ""),
		Delivery:    cfg.String(KeyDelivery, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("browserstore %s: %w", base.StoreName(), err)
	}
	return &Store{
		Base:      base,
		drv:       drv,
		logger:    logger.With("store", base.StoreName()),
		pageURL:   cfg.String(KeyPageURL, ""),
		wait:      cfg.String(KeyWaitSelector, "body"),
		script:    script,
		stockText: cfg.List(KeyStockText),
	}, nil
}

// page is what the extraction function returns.
type page struct {
	URL   string                `json:"url"`
	Items []strategy.RawListing `json:"items"`
}

// FetchOffers implements strategy.Strategy.
func (s *Store) FetchOffers(ctx context.Context, partNumber, storeID string) []offer.Offer {
	src := offer.Source{ProductID: partNumber, StoreID: storeID, StoreName: s.StoreName()}
	target := strings.NewReplacer(
		"{part}", url.QueryEscape(strings.TrimSpace(partNumber)),
		"{store}", url.QueryEscape(storeID),
	).Replace(s.pageURL)

	raw, err := s.drv.run(ctx, target, s.wait, s.script)
	if err != nil {
		if ctx.Err() != nil {
			return []offer.Offer{offer.NewError(src, fetch.Describe(ctx.Err()), now())}
		}
		s.logger.Debug("browser run failed", "url", target, "err", err)
		return []offer.Offer{offer.NewError(src, "browser: "+err.Error(), now())}
	}

	var p page
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return []offer.Offer{offer.NewError(src, "malformed page extract: "+err.Error(), now())}
	}
	if len(p.Items) == 0 {
		return []offer.Offer{offer.NewError(src, "no offers listed", now())}
	}

	base, err := url.Parse(p.URL)
	if err != nil || p.URL == "" {
		base, _ = url.Parse(target)
	}
	at := now()
	out := make([]offer.Offer, 0, len(p.Items))
	for _, item := range p.Items {
		out = append(out, item.Offer(src, base, s.stockText, at))
	}
	return out
}

// Close shuts the browser down.
func (s *Store) Close() error {
	return s.drv.Close()
}

func now() time.Time { return time.Now().UTC() }
