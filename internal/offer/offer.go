// Package offer defines the quote a store returns for a part, and the error
// record that stands in for one when the store could not be read.
package offer

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Offer is one store's quote for a product at a point in time, or an error
// record in its place. Offers are values: build them with NewQuote or
// NewError and do not modify them afterwards.
type Offer struct {
	ProductID         string          `json:"product_id"`
	StoreID           string          `json:"store_id"`
	StoreName         string          `json:"store_name"`
	Price             decimal.Decimal `json:"price"`
	ProductURL        string          `json:"product_url,omitempty"`
	InStock           bool            `json:"in_stock"`
	QuantityAvailable *int            `json:"quantity_available,omitempty"`
	Description       string          `json:"description,omitempty"`
	ImageURL          string          `json:"image_url,omitempty"`
	EstimatedDelivery string          `json:"estimated_delivery,omitempty"`
	Rating            *float64        `json:"rating,omitempty"`
	ScrapedAt         time.Time       `json:"scraped_at"`
	HasError          bool            `json:"has_error"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// Source identifies who produced an offer.
type Source struct {
	ProductID string
	StoreID   string
	StoreName string
}

// Listing carries the priced fields a strategy extracted.
type Listing struct {
	Price             decimal.Decimal
	ProductURL        string
	InStock           bool
	QuantityAvailable *int
	Description       string
	ImageURL          string
	EstimatedDelivery string
	Rating            *float64
}

// NewQuote builds a quote. Validity is not checked here; see Valid.
func NewQuote(src Source, l Listing, at time.Time) Offer {
	return Offer{
		ProductID:         src.ProductID,
		StoreID:           src.StoreID,
		StoreName:         src.StoreName,
		Price:             l.Price,
		ProductURL:        strings.TrimSpace(l.ProductURL),
		InStock:           l.InStock,
		QuantityAvailable: copyInt(l.QuantityAvailable),
		Description:       strings.TrimSpace(l.Description),
		ImageURL:          strings.TrimSpace(l.ImageURL),
		EstimatedDelivery: strings.TrimSpace(l.EstimatedDelivery),
		Rating:            copyFloat(l.Rating),
		ScrapedAt:         at,
	}
}

// UnknownError is used when an error record is created without a message.
const UnknownError = "unknown error"

// NewError builds an error record. The message is never empty.
func NewError(src Source, msg string, at time.Time) Offer {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = UnknownError
	}
	return Offer{
		ProductID:    src.ProductID,
		StoreID:      src.StoreID,
		StoreName:    src.StoreName,
		ScrapedAt:    at,
		HasError:     true,
		ErrorMessage: msg,
	}
}

// Valid reports whether o is a usable quote: not an error record, both
// identifiers set, a non-negative price and a product URL.
func (o Offer) Valid() bool {
	if o.HasError || o.ProductID == "" || o.StoreID == "" {
		return false
	}
	if o.Price.IsNegative() || o.ProductURL == "" {
		return false
	}
	if o.QuantityAvailable != nil && *o.QuantityAvailable < 0 {
		return false
	}
	return true
}

// Consistent reports whether the error flag and message agree.
func (o Offer) Consistent() bool {
	return o.HasError == (o.ErrorMessage != "")
}

// Problem explains why o is not a valid quote. It returns "" for valid offers.
func (o Offer) Problem() string {
	switch {
	case o.HasError:
		if o.ErrorMessage == "" {
			return UnknownError
		}
		return o.ErrorMessage
	case o.ProductID == "" || o.StoreID == "":
		return "invalid offer: missing identifiers"
	case o.Price.IsNegative():
		return "invalid offer: negative price"
	case o.ProductURL == "":
		return "invalid offer: missing product url"
	case o.QuantityAvailable != nil && *o.QuantityAvailable < 0:
		return "invalid offer: negative quantity"
	}
	return ""
}

// Normalize returns a copy of o with the identity fields filled from src
// where o left them empty, and the error flag and message made consistent.
func (o Offer) Normalize(src Source) Offer {
	if o.ProductID == "" {
		o.ProductID = src.ProductID
	}
	if o.StoreID == "" {
		o.StoreID = src.StoreID
	}
	if o.StoreName == "" {
		o.StoreName = src.StoreName
	}
	if o.HasError && o.ErrorMessage == "" {
		o.ErrorMessage = UnknownError
	}
	if !o.HasError && o.ErrorMessage != "" {
		o.HasError = true
	}
	if o.HasError {
		o.Price = decimal.Zero
	}
	o.QuantityAvailable = copyInt(o.QuantityAvailable)
	o.Rating = copyFloat(o.Rating)
	return o
}

// RatingOr returns the rating, or def when unrated.
func (o Offer) RatingOr(def float64) float64 {
	if o.Rating == nil {
		return def
	}
	return *o.Rating
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
