// Package cache defines the key/value store with per-entry TTL that holds
// assembled comparisons, and the key templates used to address them.
package cache

import (
	"context"
	"time"
)

// Store is a byte-value cache with passive expiry: expired entries are
// never returned, whether or not they have been evicted yet.
// Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A ttl <= 0 keeps the entry until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
