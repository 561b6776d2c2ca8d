// Package memory is an in-process cache.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/FranksOps/partprice/internal/cache"
	"github.com/FranksOps/partprice/pkg/clock"
)

var _ cache.Store = (*Store)(nil)

type entry struct {
	value   []byte
	expires time.Time // zero means never
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Store is a mutex-guarded map.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	clock clock.Clock
}

// New creates an empty store. A nil clock uses the system clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Store{items: make(map[string]entry), clock: clk}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.clock.Now()

	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(now) {
		s.mu.Lock()
		if cur, ok := s.items[key]; ok && cur.expired(now) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len counts stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Purge drops every expired entry and reports how many went.
func (s *Store) Purge() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// StartJanitor purges expired entries every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Purge()
			}
		}
	}()
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.items = make(map[string]entry)
	s.mu.Unlock()
	return nil
}
