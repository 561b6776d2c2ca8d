package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/storage"
)

func TestSQLiteBackend(t *testing.T) {
	b, err := New(":memory:")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	qty, rating := 4, 4.5

	quote := offer.NewQuote(
		offer.Source{ProductID: "BRK-2201", StoreID: "alpha", StoreName: "Alpha"},
		offer.Listing{
			Price:             decimal.RequireFromString("199.90"),
			ProductURL:        "https://alpha.example/p/1",
			InStock:           true,
			QuantityAvailable: &qty,
			Rating:            &rating,
		},
		now,
	)
	failed := offer.NewError(offer.Source{ProductID: "BRK-2201", StoreID: "bravo", StoreName: "Bravo"}, "timed out", now)

	first := storage.Records("run-1", []offer.Offer{quote}, now.Add(-time.Hour))
	second := storage.Records("run-2", []offer.Offer{quote, failed}, now)
	require.NoError(t, storage.SaveAll(ctx, b, append(first, second...)))

	all, err := b.Query(ctx, storage.Filter{PartNumber: "brk-2201"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-2", all[0].RunID, "newest first")

	got, err := b.Query(ctx, storage.Filter{StoreID: "ALPHA", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, second[0].ID, r.ID)
	assert.True(t, r.Price.Equal(decimal.RequireFromString("199.9")))
	assert.Equal(t, "https://alpha.example/p/1", r.ProductURL)
	require.NotNil(t, r.QuantityAvailable)
	assert.Equal(t, 4, *r.QuantityAvailable)
	require.NotNil(t, r.Rating)
	assert.InDelta(t, 4.5, *r.Rating, 1e-9)
	assert.True(t, r.ScrapedAt.Equal(now))

	yes := true
	errs, err := b.Query(ctx, storage.Filter{HasError: &yes})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "timed out", errs[0].ErrorMessage)
	assert.Nil(t, errs[0].Rating)

	since := now.Add(-time.Minute)
	recent, err := b.Query(ctx, storage.Filter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	paged, err := b.Query(ctx, storage.Filter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "run-1", paged[0].RunID)
}
