// Package strategy defines the contract every store integration satisfies
// and the registry the orchestrator resolves them from.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/FranksOps/partprice/internal/offer"
)

// Type classifies a strategy for scheduling. Browser strategies get longer
// per-call timeouts and tighter concurrency caps.
type Type string

const (
	TypeAPI     Type = "api"
	TypeHTML    Type = "html"
	TypeBrowser Type = "browser"
)

// Types lists every known Type in scheduling-cost order.
var Types = []Type{TypeAPI, TypeHTML, TypeBrowser}

// ParseType maps a configuration string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeAPI, TypeHTML, TypeBrowser:
		return t, nil
	case "browser-automation", "browser_automation":
		return TypeBrowser, nil
	}
	return "", fmt.Errorf("unknown scraper type %q", s)
}

// Strategy fetches offers for a part from one store.
//
// FetchOffers never fails as a whole: network errors, parse failures and
// not-found pages come back as error offers (offer.NewError). When ctx is
// cancelled the strategy stops as soon as it can and returns whatever it
// collected so far. Implementations must be safe for concurrent calls.
type Strategy interface {
	StoreName() string
	Type() Type
	Enabled() bool
	FetchOffers(ctx context.Context, partNumber, storeID string) []offer.Offer
	SupportsStore(name string) bool
	Configuration() Config
}
