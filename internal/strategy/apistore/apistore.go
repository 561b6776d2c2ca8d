// Package apistore implements stores that publish a JSON offer feed.
//
// Configuration:
//
//	url_template   required; {part} and {store} are substituted (escaped)
//	items_field    dotted path to the offer array, default "offers"
//	header.<Name>  extra request headers (API keys)
//	field.<name>   rename a listing field: price, url, stock, quantity,
//	               description, image, rating, delivery
//	stock_text     comma-separated phrases that mean "in stock"
package apistore

import (
	"bytes"
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

const (
	KeyURLTemplate = "url_template"
	KeyItemsField  = "items_field"
	KeyStockText   = "stock_text"
)

// fieldNames lists the JSON keys tried for each listing field, in order.
var fieldNames = map[string][]string{
	"price":       {"price", "amount", "unit_price", "unitPrice"},
	"url":         {"url", "product_url", "productUrl", "link"},
	"stock":       {"in_stock", "inStock", "availability", "stock"},
	"quantity":    {"quantity", "quantity_available", "quantityAvailable", "qty"},
	"description": {"description", "title", "name"},
	"image":       {"image", "image_url", "imageUrl"},
	"rating":      {"rating", "stars"},
	"delivery":    {"delivery", "estimated_delivery", "estimatedDelivery", "shipping"},
}

// Store fetches a store's JSON feed through the shared fetcher.
type Store struct {
	*strategy.Base
	fetcher *fetch.Fetcher
	logger  *slog.Logger

	urlTemplate string
	itemsPath   []string
	headers     map[string]string
	fields      map[string][]string
	stockText   []string
}

// New validates the configuration and builds the strategy.
func New(desc strategy.Descriptor, load strategy.Loader, f *fetch.Fetcher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	desc.Type = strategy.TypeAPI
	base := strategy.NewBase(desc, load)
	cfg, err := base.Load()
	if err != nil {
		return nil, fmt.Errorf("apistore %s: load config: %w", desc.StoreName, err)
	}
	if err := cfg.Require(KeyURLTemplate); err != nil {
		return nil, fmt.Errorf("apistore %s: %w", desc.StoreName, err)
	}
	if f == nil {
		return nil, fmt.Errorf("apistore %s: nil fetcher", desc.StoreName)
	}

	fields := make(map[string][]string, len(fieldNames))
	for k, v := range fieldNames {
		fields[k] = v
	}
	for k, v := range cfg.WithPrefix("field.") {
		fields[k] = []string{v}
	}

	return &Store{
		Base:        base,
		fetcher:     f,
		logger:      logger.With("store", desc.StoreName),
		urlTemplate: cfg.String(KeyURLTemplate, ""),
		itemsPath:   strings.Split(cfg.String(KeyItemsField, "offers"), "."),
		headers:     cfg.WithPrefix("header."),
		fields:      fields,
		stockText:   cfg.List(KeyStockText),
	}, nil
}

// FetchOffers implements strategy.Strategy.
func (s *Store) FetchOffers(ctx context.Context, partNumber, storeID string) []offer.Offer {
	src := offer.Source{ProductID: partNumber, StoreID: storeID, StoreName: s.StoreName()}
	target := expand(s.urlTemplate, partNumber, storeID)

	resp, err := s.fetcher.Get(ctx, target, s.headers)
	if err != nil {
		s.logger.Debug("feed request failed", "part", partNumber, "err", err)
		return []offer.Offer{offer.NewError(src, fetch.Describe(err), now())}
	}

	items, err := s.items(resp.Body)
	if err != nil {
		return []offer.Offer{offer.NewError(src, "malformed feed: "+err.Error(), now())}
	}
	if len(items) == 0 {
		return []offer.Offer{offer.NewError(src, "no offers listed", now())}
	}

	base, _ := url.Parse(resp.URL)
	at := now()
	out := make([]offer.Offer, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		out = append(out, s.raw(item).Offer(src, base, s.stockText, at))
	}
	return out
}

func (s *Store) items(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	node := doc
	if _, isArray := doc.([]any); !isArray {
		for _, key := range s.itemsPath {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%q is not an object", key)
			}
			node = obj[key]
		}
	}
	if node == nil {
		return nil, nil
	}
	arr, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("%s is not an array", strings.Join(s.itemsPath, "."))
	}

	items := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if obj, ok := v.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items, nil
}

func (s *Store) raw(item map[string]any) strategy.RawListing {
	get := func(field string) string {
		for _, k := range s.fields[field] {
			if v, ok := item[k]; ok && v != nil {
				return text(v)
			}
		}
		return ""
	}
	return strategy.RawListing{
		Price:       get("price"),
		URL:         get("url"),
		Stock:       get("stock"),
		Quantity:    get("quantity"),
		Description: get("description"),
		Image:       get("image"),
		Rating:      get("rating"),
		Delivery:    get("delivery"),
	}
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any:
		// {"amount": "12.50", "currency": "EUR"} style prices.
		for _, k := range []string{"amount", "value"} {
			if inner, ok := t[k]; ok {
				return text(inner)
			}
		}
	}
	return ""
}

func expand(tmpl, part, store string) string {
	return strings.NewReplacer(
		"{part}", url.PathEscape(strings.TrimSpace(part)),
		"{store}", url.PathEscape(store),
	).Replace(tmpl)
}

func now() time.Time { return time.Now().UTC() }
