package strategy

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDuplicateStore is returned when two strategies claim the same store name.
var ErrDuplicateStore = errors.New("duplicate store")

// Registration binds a strategy to the store id passed to FetchOffers.
// An empty StoreID defaults to the strategy's store name.
type Registration struct {
	StoreID  string
	Strategy Strategy
}

// Registry holds the strategies registered at startup. It is never mutated
// after NewRegistry returns, so concurrent reads need no locking.
type Registry struct {
	regs   []Registration
	byName map[string]int
}

// NewRegistry validates and indexes regs, preserving their order.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(regs))}
	for _, reg := range regs {
		if reg.Strategy == nil {
			return nil, errors.New("registry: nil strategy")
		}
		name := strings.TrimSpace(reg.Strategy.StoreName())
		if name == "" {
			return nil, errors.New("registry: strategy without store name")
		}
		key := strings.ToLower(name)
		if _, exists := r.byName[key]; exists {
			return nil, fmt.Errorf("registry: %w: %q", ErrDuplicateStore, name)
		}
		if reg.StoreID == "" {
			reg.StoreID = name
		}
		r.byName[key] = len(r.regs)
		r.regs = append(r.regs, reg)
	}
	return r, nil
}

// ApplicableStrategies returns the enabled strategies supporting any of
// names, in registration order, each at most once. An empty names selects
// every enabled strategy.
func (r *Registry) ApplicableStrategies(names []string) []Strategy {
	var out []Strategy
	for _, reg := range r.regs {
		s := reg.Strategy
		if !s.Enabled() {
			continue
		}
		if len(names) == 0 {
			out = append(out, s)
			continue
		}
		for _, n := range names {
			if s.SupportsStore(n) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// ByStoreName looks a strategy up by its exact store name (case-insensitive).
func (r *Registry) ByStoreName(name string) (Strategy, bool) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.regs[i].Strategy, true
}

// StoreID returns the store id registered for name, or name itself.
func (r *Registry) StoreID(name string) string {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return name
	}
	return r.regs[i].StoreID
}

// Registrations returns a copy of every registration in order.
func (r *Registry) Registrations() []Registration {
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int { return len(r.regs) }

// Close releases strategies that hold resources (browsers, connections).
func (r *Registry) Close() error {
	var errs []error
	for _, reg := range r.regs {
		if c, ok := reg.Strategy.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", reg.Strategy.StoreName(), err))
			}
		}
	}
	return errors.Join(errs...)
}
