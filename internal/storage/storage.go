// Package storage persists the offers observed by live comparison runs so
// prices can be tracked over time.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/partprice/internal/offer"
)

// OfferRecord is one offer as observed by one comparison run.
type OfferRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	RecordedAt time.Time `json:"recorded_at"`
	offer.Offer
}

// Filter allows querying for specific OfferRecords. Zero fields match
// everything.
type Filter struct {
	PartNumber string
	StoreID    string
	RunID      string
	HasError   *bool
	Since      *time.Time
	Limit      int
	Offset     int
}

// Backend defines the interface for storing and querying offer history.
// Query returns newest records first.
type Backend interface {
	Save(ctx context.Context, rec *OfferRecord) error
	Query(ctx context.Context, filter Filter) ([]*OfferRecord, error)
	Close() error
}

// Records wraps the offers of one run, assigning each a fresh id.
func Records(runID string, offers []offer.Offer, at time.Time) []*OfferRecord {
	out := make([]*OfferRecord, 0, len(offers))
	for _, o := range offers {
		out = append(out, &OfferRecord{
			ID:         uuid.NewString(),
			RunID:      runID,
			RecordedAt: at,
			Offer:      o,
		})
	}
	return out
}

// SaveAll writes recs in order and stops at the first failure.
func SaveAll(ctx context.Context, b Backend, recs []*OfferRecord) error {
	for _, r := range recs {
		if err := b.Save(ctx, r); err != nil {
			return fmt.Errorf("save offer %s: %w", r.ID, err)
		}
	}
	return nil
}

// Match reports whether r passes every condition in f. Limit and Offset are
// ignored; see Page.
func (f Filter) Match(r *OfferRecord) bool {
	if f.PartNumber != "" && !strings.EqualFold(r.ProductID, f.PartNumber) {
		return false
	}
	if f.StoreID != "" && !strings.EqualFold(r.StoreID, f.StoreID) {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.HasError != nil && r.HasError != *f.HasError {
		return false
	}
	if f.Since != nil && r.RecordedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Page orders recs, given in insertion order, newest first and applies
// Offset and Limit. File-backed backends filter in memory and use it to
// finish a query.
func (f Filter) Page(recs []*OfferRecord) []*OfferRecord {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].RecordedAt.After(recs[j].RecordedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []*OfferRecord{}
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}
