package strategy

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/partprice/internal/offer"
)

// DefaultInStockText is matched (case-insensitively, as substrings) against
// availability text when a store does not configure stock_text.
var DefaultInStockText = []string{"in stock", "available", "auf lager", "lieferbar", "true", "yes"}

var outOfStockText = []string{"out of stock", "unavailable", "not available", "sold out", "nicht lieferbar", "ausverkauft", "false", "no"}

var (
	intPattern   = regexp.MustCompile(`\d+`)
	floatPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// RawListing is a listing as scraped: every field still text. The html,
// browser and api strategies all funnel through it so parsing rules match.
type RawListing struct {
	Price       string `json:"price"`
	URL         string `json:"url"`
	Stock       string `json:"stock"`
	Quantity    string `json:"quantity"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Rating      string `json:"rating"`
	Delivery    string `json:"delivery"`
}

// Offer converts r. Relative URLs resolve against base. An unparsable price
// yields an error offer; other malformed fields are dropped.
func (r RawListing) Offer(src offer.Source, base *url.URL, inStockText []string, at time.Time) offer.Offer {
	price, err := offer.ParsePrice(r.Price)
	if err != nil {
		return offer.NewError(src, fmt.Sprintf("unparsable price %q", strings.TrimSpace(r.Price)), at)
	}

	l := offer.Listing{
		Price:             price,
		ProductURL:        Resolve(base, r.URL),
		QuantityAvailable: parseQuantity(r.Quantity),
		Description:       collapse(r.Description),
		ImageURL:          Resolve(base, r.Image),
		EstimatedDelivery: collapse(r.Delivery),
		Rating:            parseRating(r.Rating),
	}
	l.InStock = inStock(r.Stock, l.QuantityAvailable, inStockText)
	return offer.NewQuote(src, l, at)
}

// Resolve makes ref absolute against base. Empty refs stay empty.
func Resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func inStock(text string, qty *int, phrases []string) bool {
	text = strings.ToLower(collapse(text))
	if text == "" {
		return qty == nil || *qty > 0
	}
	if len(phrases) == 0 {
		phrases = DefaultInStockText
	}
	for _, neg := range outOfStockText {
		if text == neg || (len(neg) > 3 && strings.Contains(text, neg)) {
			return false
		}
	}
	for _, p := range phrases {
		if strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	if n, err := strconv.Atoi(text); err == nil {
		return n > 0
	}
	return false
}

func parseQuantity(s string) *int {
	m := intPattern.FindString(s)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

func parseRating(s string) *float64 {
	m := floatPattern.FindString(s)
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil || f < 0 {
		return nil
	}
	return &f
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
