package partmatch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "brk2201", Normalize(" BRK-2201 "))
	assert.Equal(t, "brk2201", Normalize("brk 2201"))
	assert.Equal(t, "ölfilter7", Normalize("Ölfilter #7"))
}

func TestMatcher_Mentions(t *testing.T) {
	m := New("BRK-2201")
	cases := map[string]bool{
		"Front brake pads BRK-2201":         true,
		"brk 2201 rear":                     true,
		"BRK2201":                           true,
		"https://shop.example/p/brk-2201-f": true,
		"Bremsbelag:BRK-2201, vorne":        true,
		"BRK-22010 (not the same part)":     false,
		"XBRK-2201":                         false,
		"Caliper BRK-2202":                  false,
		"":                                  false,
	}
	for text, want := range cases {
		assert.Equal(t, want, m.Mentions(text), text)
	}
}

func TestMatcher_Count(t *testing.T) {
	m := New("2201")
	assert.Equal(t, 2, m.Count("BRK-2201 fits 2201 and 22010"))
	assert.Equal(t, 0, m.Count("no part here"))
}

func TestMatcher_EmptyPart(t *testing.T) {
	m := New("  - ")
	assert.True(t, m.Mentions("anything"))
	assert.Equal(t, 0, m.Count("anything"))
}

func TestMatcher_Any(t *testing.T) {
	m := New("OF-17")
	assert.True(t, m.Any("Oil filter", "/p/of-17"))
	assert.False(t, m.Any("Oil filter", "/p/of-170"))
	assert.False(t, m.Any())
}

func benchmarkText(size int) string {
	var sb strings.Builder
	sb.Grow(size)
	lines := []string{
		"Front brake pads for compact cars, ceramic compound.",
		"Compatible with BRK-2201 and BRK-2202 calipers.",
		"Ships within 1-2 working days from the central warehouse.",
	}
	for sb.Len() < size {
		for _, l := range lines {
			sb.WriteString(l)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

func BenchmarkMatcher_Count(b *testing.B) {
	m := New("BRK-2201")
	for _, size := range []int{1 << 10, 100 << 10} {
		text := benchmarkText(size)
		b.Run(fmt.Sprintf("%dKB", size>>10), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				m.Count(text)
			}
		})
	}
}
