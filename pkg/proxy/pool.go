// Package proxy keeps a rotating set of upstream proxies with simple health
// tracking: a proxy that fails too often sits out a cooldown.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/partprice/pkg/clock"
)

// ErrUnknownProxy is returned when marking a proxy that is not in the pool.
var ErrUnknownProxy = errors.New("proxy: not in pool")

// Config defines settings for the Pool.
type Config struct {
	// MaxFailures before a proxy is benched.
	MaxFailures int `mapstructure:"max_failures" yaml:"max_failures"`
	// Cooldown is how long a benched proxy stays out of rotation.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// Status is a point-in-time view of one proxy.
type Status struct {
	URL           string    `json:"url"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastUsed      time.Time `json:"last_used"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
}

type entry struct {
	url           *url.URL
	failures      int
	successes     int
	lastUsed      time.Time
	disabledUntil time.Time
}

// Pool rotates proxies round-robin, skipping benched ones.
type Pool struct {
	mu          sync.Mutex
	entries     []*entry
	index       map[string]*entry
	next        int
	maxFailures int
	cooldown    time.Duration
	clock       clock.Clock
}

// NewPool creates an empty pool. Zero config values get defaults.
func NewPool(cfg Config, clk clock.Clock) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Pool{
		index:       make(map[string]*entry),
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clock:       clk,
	}
}

// LoadFile adds one proxy per line from path. Blank lines and lines starting
// with '#' are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: open list: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read list: %w", err)
	}
	return p.Add(urls...)
}

// Add parses and appends proxies. A missing scheme defaults to http.
// Duplicates are ignored.
func (p *Pool) Add(raw ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range raw {
		if !strings.Contains(r, "://") {
			r = "http://" + r
		}
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("proxy: parse %q: %w", r, err)
		}
		key := u.String()
		if _, ok := p.index[key]; ok {
			continue
		}
		e := &entry{url: u}
		p.entries = append(p.entries, e)
		p.index[key] = e
	}
	return nil
}

// Len returns the number of proxies, benched ones included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Next returns the next healthy proxy, or nil when the pool is empty or
// every proxy is cooling down.
func (p *Pool) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[p.next]
		p.next = (p.next + 1) % len(p.entries)

		if !e.disabledUntil.IsZero() {
			if now.Before(e.disabledUntil) {
				continue
			}
			e.disabledUntil = time.Time{}
			e.failures = 0
		}
		e.lastUsed = now
		return e.url
	}
	return nil
}

// ProxyFunc adapts the pool to http.Transport.Proxy. An empty pool means a
// direct connection.
func (p *Pool) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		return p.Next(), nil
	}
}

// MarkSuccess records a good request through u.
func (p *Pool) MarkSuccess(u *url.URL) error {
	return p.mark(u, func(e *entry) {
		e.successes++
		if e.failures > 0 {
			e.failures--
		}
	})
}

// MarkFailure records a failed request through u, benching it once
// failures reach the configured maximum.
func (p *Pool) MarkFailure(u *url.URL) error {
	return p.mark(u, func(e *entry) {
		e.failures++
		if e.failures >= p.maxFailures {
			e.disabledUntil = p.clock.Now().Add(p.cooldown)
		}
	})
}

func (p *Pool) mark(u *url.URL, f func(*entry)) error {
	if u == nil {
		return errors.New("proxy: nil url")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.index[u.String()]
	if !ok {
		return ErrUnknownProxy
	}
	f(e)
	return nil
}

// Stats returns a snapshot of every proxy in rotation order.
func (p *Pool) Stats() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Status{
			URL:           e.url.Redacted(),
			Failures:      e.failures,
			Successes:     e.successes,
			LastUsed:      e.lastUsed,
			DisabledUntil: e.disabledUntil,
		})
	}
	return out
}
