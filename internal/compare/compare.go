// Package compare assembles raw store offers into a ranked, deduplicated
// price comparison.
package compare

import (
	"sort"
	"strings"
	"time"

	"github.com/FranksOps/partprice/internal/offer"
)

// Issue is a store-level problem reported alongside the ranked offers.
type Issue struct {
	StoreID   string `json:"store_id"`
	StoreName string `json:"store_name"`
	Message   string `json:"message"`
}

// Cache outcomes recorded in Stats.Cache.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
	CacheOff  = "off"
)

// Stats summarizes how a comparison was produced.
type Stats struct {
	StoresTotal     int    `json:"stores_total"`
	StoresSucceeded int    `json:"stores_succeeded"`
	StoresFailed    int    `json:"stores_failed"`
	DurationMs      int64  `json:"duration_ms"`
	Cache           string `json:"cache"`
}

// Comparison is the assembled result for one part number.
type Comparison struct {
	RunID       string        `json:"run_id"`
	PartNumber  string        `json:"part_number"`
	Stores      []string      `json:"stores,omitempty"`
	Offers      []offer.Offer `json:"offers"`
	Issues      []Issue       `json:"issues"`
	Duplicates  int           `json:"duplicates"`
	AssembledAt time.Time     `json:"assembled_at"`
	Stats       Stats         `json:"stats"`
}

// Best returns the cheapest offer.
func (c *Comparison) Best() (offer.Offer, bool) {
	if c == nil || len(c.Offers) == 0 {
		return offer.Offer{}, false
	}
	return c.Offers[0], true
}

// Degraded reports whether any store contributed an issue.
func (c *Comparison) Degraded() bool {
	return c != nil && len(c.Issues) > 0
}

// Assemble partitions offers into valid quotes and issues, drops literal
// duplicates and ranks what remains. Every input offer ends up in exactly
// one of Offers, Issues or the Duplicates count.
func Assemble(part string, stores []string, offers []offer.Offer, at time.Time) *Comparison {
	type dedupKey struct{ store, url string }

	c := &Comparison{
		PartNumber:  part,
		Stores:      append([]string(nil), stores...),
		Offers:      make([]offer.Offer, 0, len(offers)),
		Issues:      []Issue{},
		AssembledAt: at,
	}

	seen := make(map[dedupKey]bool, len(offers))
	storeOK := make(map[string]bool)
	var storeOrder []string
	for _, o := range offers {
		if _, known := storeOK[o.StoreID]; !known {
			storeOK[o.StoreID] = false
			storeOrder = append(storeOrder, o.StoreID)
		}
		if !o.Valid() {
			c.Issues = append(c.Issues, Issue{StoreID: o.StoreID, StoreName: o.StoreName, Message: o.Problem()})
			continue
		}
		k := dedupKey{o.StoreID, o.ProductURL}
		if seen[k] {
			c.Duplicates++
			continue
		}
		seen[k] = true
		storeOK[o.StoreID] = true
		c.Offers = append(c.Offers, o)
	}

	c.Offers = Rank(c.Offers)

	c.Stats.StoresTotal = len(storeOrder)
	for _, id := range storeOrder {
		if storeOK[id] {
			c.Stats.StoresSucceeded++
		} else {
			c.Stats.StoresFailed++
		}
	}
	return c
}

// Rank returns offers ordered by price ascending, then rating descending
// (unrated last), then store name. The sort is stable, so remaining ties
// keep their input order. Rank(Rank(x)) == Rank(x).
func Rank(offers []offer.Offer) []offer.Offer {
	out := make([]offer.Offer, len(offers))
	copy(out, offers)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c < 0
		}
		switch {
		case a.Rating != nil && b.Rating == nil:
			return true
		case a.Rating == nil && b.Rating != nil:
			return false
		case a.Rating != nil && *a.Rating != *b.Rating:
			return *a.Rating > *b.Rating
		}
		return strings.ToLower(a.StoreName) < strings.ToLower(b.StoreName)
	})
	return out
}
