package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// window is a time-based budget. Callers hold the queue lock, so
// implementations need no synchronization of their own.
type window interface {
	// next returns how long until a permit is available; zero means now.
	next(now time.Time) time.Duration
	// take consumes one permit. Only valid after next returned zero.
	take(now time.Time)
	// spacing is the steady-state gap between admissions.
	spacing() time.Duration
}

// fixedWindow grants permits per interval aligned to multiples of the
// window length. The counter resets at the boundary.
type fixedWindow struct {
	permits int
	length  time.Duration
	start   time.Time
	used    int
}

func newFixedWindow(permits int, length time.Duration) *fixedWindow {
	return &fixedWindow{permits: permits, length: length}
}

func (w *fixedWindow) roll(now time.Time) {
	boundary := now.Truncate(w.length)
	if !boundary.Equal(w.start) {
		w.start = boundary
		w.used = 0
	}
}

func (w *fixedWindow) next(now time.Time) time.Duration {
	w.roll(now)
	if w.used < w.permits {
		return 0
	}
	return w.start.Add(w.length).Sub(now)
}

func (w *fixedWindow) take(now time.Time) {
	w.roll(now)
	w.used++
}

func (w *fixedWindow) spacing() time.Duration {
	return w.length / time.Duration(w.permits)
}

// slidingWindow counts admissions per segment and sums the trailing
// segments, so a burst at the end of one window does not double up with a
// burst at the start of the next.
type slidingWindow struct {
	permits  int
	length   time.Duration
	segLen   time.Duration
	counts   []int
	idx      int
	segStart time.Time
}

func newSlidingWindow(permits int, length time.Duration, segments int) *slidingWindow {
	segLen := length / time.Duration(segments)
	if segLen <= 0 {
		segLen = length
		segments = 1
	}
	return &slidingWindow{
		permits: permits,
		length:  length,
		segLen:  segLen,
		counts:  make([]int, segments),
	}
}

func (w *slidingWindow) advance(now time.Time) {
	cur := now.Truncate(w.segLen)
	if w.segStart.IsZero() {
		w.segStart = cur
		return
	}
	steps := int(cur.Sub(w.segStart) / w.segLen)
	if steps <= 0 {
		return
	}
	if steps >= len(w.counts) {
		for i := range w.counts {
			w.counts[i] = 0
		}
	} else {
		for i := 0; i < steps; i++ {
			w.idx = (w.idx + 1) % len(w.counts)
			w.counts[w.idx] = 0
		}
	}
	w.segStart = cur
}

func (w *slidingWindow) total() int {
	n := 0
	for _, c := range w.counts {
		n += c
	}
	return n
}

func (w *slidingWindow) next(now time.Time) time.Duration {
	w.advance(now)
	total := w.total()
	if total < w.permits {
		return 0
	}

	// Segments expire oldest first; the k-th oldest leaves the window k
	// segment lengths after the current segment started.
	n := len(w.counts)
	for k := 1; k <= n; k++ {
		total -= w.counts[(w.idx+k)%n]
		if total < w.permits {
			return w.segStart.Add(time.Duration(k) * w.segLen).Sub(now)
		}
	}
	return w.segStart.Add(w.length).Sub(now)
}

func (w *slidingWindow) take(now time.Time) {
	w.advance(now)
	w.counts[w.idx]++
}

func (w *slidingWindow) spacing() time.Duration {
	return w.length / time.Duration(w.permits)
}

// tokenBucket refills tokens continuously up to capacity.
type tokenBucket struct {
	lim    *rate.Limiter
	period time.Duration
	tokens int
}

func newTokenBucket(capacity, tokens int, period time.Duration) *tokenBucket {
	every := period / time.Duration(tokens)
	return &tokenBucket{
		lim:    rate.NewLimiter(rate.Every(every), capacity),
		period: period,
		tokens: tokens,
	}
}

func (b *tokenBucket) next(now time.Time) time.Duration {
	have := b.lim.TokensAt(now)
	if have >= 1 {
		return 0
	}
	missing := 1 - have
	return time.Duration(missing / float64(b.lim.Limit()) * float64(time.Second))
}

func (b *tokenBucket) take(now time.Time) {
	b.lim.AllowN(now, 1)
}

func (b *tokenBucket) spacing() time.Duration {
	return b.period / time.Duration(b.tokens)
}
