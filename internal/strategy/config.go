package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Keys the orchestrator recognizes in any strategy configuration. All other
// keys are passed through untouched.
const (
	KeyTimeout       = "timeout"
	KeyMaxConcurrent = "max_concurrent_calls"
	KeyAliases       = "aliases"
	KeyRetries       = "retries"
)

// Config is an immutable string map of strategy tunables.
type Config struct {
	values map[string]string
}

// NewConfig copies m into a Config.
func NewConfig(m map[string]string) Config {
	values := make(map[string]string, len(m))
	for k, v := range m {
		values[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return Config{values: values}
}

// Get returns the raw value for key.
func (c Config) Get(key string) (string, bool) {
	v, ok := c.values[strings.ToLower(key)]
	return v, ok && v != ""
}

// String returns the value for key, or def when unset.
func (c Config) String(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Int returns key parsed as an integer, or def when unset or malformed.
func (c Config) Int(key string, def int) int {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns key parsed as a boolean, or def when unset or malformed.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration returns key parsed with time.ParseDuration, or def.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// List splits a comma-separated value, dropping empty entries.
func (c Config) List(key string) []string {
	v, ok := c.Get(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// WithPrefix returns the entries whose key starts with prefix, with the
// prefix removed. Header maps are stored as "header.<Name>" keys.
func (c Config) WithPrefix(prefix string) map[string]string {
	prefix = strings.ToLower(prefix)
	out := make(map[string]string)
	for k, v := range c.values {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// Keys returns the configured keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Require reports every key in keys that is missing or empty.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := c.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
