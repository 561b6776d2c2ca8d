// Package sqlite is a cache.Store persisted in SQLite, so cached
// comparisons survive restarts and can be shared by processes on one host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FranksOps/partprice/internal/cache"
	"github.com/FranksOps/partprice/pkg/clock"
)

var _ cache.Store = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_entries_expires_at ON cache_entries (expires_at)`,
}

// Store keeps entries in the cache_entries table. expires_at is Unix
// milliseconds; 0 means no expiry.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// New opens dsn and creates the schema.
func New(dsn string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.NewReal()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache sqlite: open: %w", err)
	}
	// database/sql would otherwise give each connection its own :memory: db.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache sqlite: schema: %w", err)
		}
	}
	return &Store{db: db, clock: clk}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value   []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache sqlite: get: %w", err)
	}
	if expires != 0 && s.clock.Now().UnixMilli() >= expires {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, expires); err != nil {
			return nil, false, fmt.Errorf("cache sqlite: evict: %w", err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("cache sqlite: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache sqlite: delete: %w", err)
	}
	return nil
}

// Purge deletes expired rows.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
