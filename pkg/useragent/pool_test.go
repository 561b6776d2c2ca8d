package useragent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SequentialMode(t *testing.T) {
	p := NewPool([]string{"A", "B", "C"}, ModeSequential)
	for i, want := range []string{"A", "B", "C", "A"} {
		assert.Equal(t, want, p.Next(), "call %d", i)
	}
}

func TestPool_Defaults(t *testing.T) {
	p := NewPool(nil, "")
	assert.Len(t, p.All(), len(Defaults))
	assert.Equal(t, Defaults[0], p.Sequential())
}

func TestPool_RandomCoversPool(t *testing.T) {
	p := NewPool([]string{"A", "B"}, ModeRandom)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got := p.Next()
		require.Contains(t, []string{"A", "B"}, got)
		seen[got] = true
	}
	assert.Len(t, seen, 2, "expected both entries to be picked")
}

func TestPool_ConcurrentSequentialIsEven(t *testing.T) {
	uas := []string{"X", "Y", "Z"}
	p := NewPool(uas, ModeSequential)

	const routines, iterations = 50, 300
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < routines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[string]int{}
			for j := 0; j < iterations; j++ {
				local[p.Next()]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	want := routines * iterations / len(uas)
	for _, ua := range uas {
		assert.Equal(t, want, counts[ua], ua)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRandom, m)

	m, err = ParseMode("Sequential")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, m)

	_, err = ParseMode("shuffle")
	assert.Error(t, err)
}
