package browserstore

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

var errClosed = errors.New("browser driver closed")

// session holds the one browser a store shares across calls. A browser that
// stopped answering is dropped and the next call launches a new one.
// Concurrent callers share a launch, and each stops waiting when its own ctx
// is done.
type session[B any] struct {
	launch func() (B, func() error, error)
	alive  func(B) bool

	group   singleflight.Group
	mu      sync.Mutex
	browser B
	stop    func() error
	gen     uint64
	closed  bool
}

func newSession[B any](launch func() (B, func() error, error), alive func(B) bool) *session[B] {
	return &session[B]{launch: launch, alive: alive}
}

func (s *session[B]) get(ctx context.Context) (B, error) {
	var zero B

	s.mu.Lock()
	b, gen, ok, closed := s.browser, s.gen, s.stop != nil, s.closed
	s.mu.Unlock()
	if closed {
		return zero, errClosed
	}
	if ok {
		if s.alive(b) {
			return b, nil
		}
		s.drop(gen)
	}

	ch := s.group.DoChan("launch", func() (any, error) {
		s.mu.Lock()
		if s.stop != nil {
			b := s.browser
			s.mu.Unlock()
			return b, nil
		}
		s.mu.Unlock()

		b, stop, err := s.launch()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = stop()
			return nil, errClosed
		}
		s.browser, s.stop = b, stop
		s.gen++
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(B), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// drop tears down the browser of generation gen if it is still current.
func (s *session[B]) drop(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.stop == nil {
		return
	}
	_ = s.stop()
	var zero B
	s.browser, s.stop = zero, nil
}

func (s *session[B]) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.stop == nil {
		return nil
	}
	err := s.stop()
	var zero B
	s.browser, s.stop = zero, nil
	return err
}
