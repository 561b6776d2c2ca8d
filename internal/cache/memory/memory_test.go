package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/partprice/pkg/clock"
)

func TestStore_TTL(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	s := New(clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 5*time.Minute))

	clk.Advance(4*time.Minute + 59*time.Second)
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(v))

	clk.Advance(time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire exactly at its TTL")
	assert.Equal(t, 0, s.Len(), "expired entry is evicted on read")
}

func TestStore_NoTTLAndDelete(t *testing.T) {
	clk := clock.NewMock(time.Now())
	s := New(clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "forever", []byte("x"), 0))
	clk.Advance(24 * time.Hour)
	_, ok, _ := s.Get(ctx, "forever")
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "forever"))
	_, ok, _ = s.Get(ctx, "forever")
	assert.False(t, ok)
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'z'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'z'
	v2, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}

func TestStore_Purge(t *testing.T) {
	clk := clock.NewMock(time.Now())
	s := New(clk)
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), time.Minute)
	_ = s.Set(ctx, "b", []byte("2"), time.Hour)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Purge())
	assert.Equal(t, 1, s.Len())
}

func TestStore_Concurrent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Set(ctx, "shared", []byte{byte(i)}, time.Minute)
				_, _, _ = s.Get(ctx, "shared")
			}
		}(i)
	}
	wg.Wait()
	_, ok, _ := s.Get(ctx, "shared")
	assert.True(t, ok)
}
