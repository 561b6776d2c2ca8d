package orchestrator

import (
	"fmt"
	"time"

	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/ratelimit"
)

// Config tunes scheduling. Maps keyed by strategy type use the type names
// ("api", "html", "browser").
type Config struct {
	// Deadline applies when a request does not carry its own.
	Deadline time.Duration `mapstructure:"deadline" yaml:"deadline"`
	// MaxDeadline caps request deadlines. Zero means no cap.
	MaxDeadline time.Duration `mapstructure:"max_deadline" yaml:"max_deadline"`
	// Grace is how long a store may keep running past its timeout to hand
	// back partial output before a timeout is recorded for it.
	Grace time.Duration `mapstructure:"grace" yaml:"grace"`
	// MaxParallel bounds the tasks one run has in flight. Zero is unbounded.
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`

	Timeouts    map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts"`
	Concurrency map[string]int           `mapstructure:"concurrency" yaml:"concurrency"`
	// QueueLimit is the waiting room of each per-type and per-store
	// concurrency limiter.
	QueueLimit int `mapstructure:"queue_limit" yaml:"queue_limit"`

	// Admission gates whole comparisons.
	Admission ratelimit.Config `mapstructure:"admission" yaml:"admission"`
	// StoreLimits adds a limiter per store name.
	StoreLimits map[string]ratelimit.Config `mapstructure:"store_limits" yaml:"store_limits"`

	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Deadline:    20 * time.Second,
		MaxDeadline: time.Minute,
		Grace:       250 * time.Millisecond,
		Timeouts: map[string]time.Duration{
			string(strategy.TypeAPI):     5 * time.Second,
			string(strategy.TypeHTML):    10 * time.Second,
			string(strategy.TypeBrowser): 30 * time.Second,
		},
		Concurrency: map[string]int{
			string(strategy.TypeAPI):     16,
			string(strategy.TypeHTML):    8,
			string(strategy.TypeBrowser): 2,
		},
		QueueLimit: 64,
		Admission: ratelimit.Config{
			Policy:     ratelimit.PolicyConcurrency,
			Permits:    32,
			QueueLimit: 64,
		},
		CacheTTL: 5 * time.Minute,
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	if c.Grace <= 0 {
		c.Grace = def.Grace
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = def.QueueLimit
	}
	if c.Admission.Policy == "" {
		c.Admission = def.Admission
	}

	timeouts := make(map[string]time.Duration, len(def.Timeouts))
	for k, v := range def.Timeouts {
		timeouts[k] = v
	}
	for k, v := range c.Timeouts {
		t, err := strategy.ParseType(k)
		if err != nil {
			return c, fmt.Errorf("timeouts: %w", err)
		}
		if v > 0 {
			timeouts[string(t)] = v
		}
	}
	c.Timeouts = timeouts

	caps := make(map[string]int, len(def.Concurrency))
	for k, v := range def.Concurrency {
		caps[k] = v
	}
	for k, v := range c.Concurrency {
		t, err := strategy.ParseType(k)
		if err != nil {
			return c, fmt.Errorf("concurrency: %w", err)
		}
		caps[string(t)] = v
	}
	c.Concurrency = caps
	return c, nil
}

// Timeout is the default per-call budget for strategies of type t.
func (c Config) Timeout(t strategy.Type) time.Duration {
	if d, ok := c.Timeouts[string(t)]; ok && d > 0 {
		return d
	}
	return DefaultConfig().Timeouts[string(strategy.TypeBrowser)]
}
