package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/pkg/clock"
)

func TestStore_SetGetExpire(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	s, err := New(":memory:", clk)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "products_search_BRK-2201_all_0", []byte(`{"offers":[]}`), 10*time.Minute))
	require.NoError(t, s.Set(ctx, "products_search_BRK-2201_all_0", []byte(`{"offers":[1]}`), 10*time.Minute))

	v, ok, err := s.Get(ctx, "products_search_BRK-2201_all_0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"offers":[1]}`, string(v), "upsert replaces the value")

	clk.Advance(10 * time.Minute)
	_, ok, err = s.Get(ctx, "products_search_BRK-2201_all_0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PurgeAndDelete(t *testing.T) {
	clk := clock.NewMock(time.Now())
	s, err := New(":memory:", clk)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("3"), 0))

	clk.Advance(time.Minute)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, "long"))
	_, ok, _ := s.Get(ctx, "long")
	assert.False(t, ok)

	clk.Advance(365 * 24 * time.Hour)
	_, ok, _ = s.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, s.Close())

	s, err = New(path, nil)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}
