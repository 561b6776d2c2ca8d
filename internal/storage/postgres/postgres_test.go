package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/internal/offer"
	"github.com/FranksOps/partprice/internal/storage"
)

func TestPostgresBackend(t *testing.T) {
	// Only run this test if PARTPRICE_TEST_PG_DSN is set
	dsn := os.Getenv("PARTPRICE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres backend test: PARTPRICE_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	b, err := New(ctx, dsn)
	require.NoError(t, err)
	defer b.Close()

	now := time.Now().UTC()
	part := "PG-" + uuid.NewString()[:8]
	rating := 3.5

	quote := offer.NewQuote(
		offer.Source{ProductID: part, StoreID: "alpha", StoreName: "Alpha"},
		offer.Listing{Price: decimal.RequireFromString("42.10"), ProductURL: "https://alpha.example/p", Rating: &rating},
		now,
	)
	recs := storage.Records(uuid.NewString(), []offer.Offer{quote}, now)
	require.NoError(t, storage.SaveAll(ctx, b, recs))

	past := now.Add(-time.Hour)
	got, err := b.Query(ctx, storage.Filter{PartNumber: part, Since: &past})
	require.NoError(t, err)
	require.Len(t, got, 1)

	r := got[0]
	assert.Equal(t, recs[0].ID, r.ID)
	assert.True(t, r.Price.Equal(decimal.RequireFromString("42.1")))
	assert.Nil(t, r.QuantityAvailable)
	require.NotNil(t, r.Rating)
	assert.InDelta(t, 3.5, *r.Rating, 1e-9)
	// Postgres keeps microseconds; compare at second precision.
	assert.Equal(t, now.Unix(), r.RecordedAt.Unix())
}
