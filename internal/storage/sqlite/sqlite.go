package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/FranksOps/partprice/internal/storage"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

// Times are stored as Unix milliseconds so range filters compare integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS offer_history (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		store_name TEXT NOT NULL,
		price TEXT NOT NULL,
		product_url TEXT,
		in_stock BOOLEAN NOT NULL,
		quantity INTEGER,
		description TEXT,
		image_url TEXT,
		estimated_delivery TEXT,
		rating REAL,
		scraped_at INTEGER NOT NULL,
		has_error BOOLEAN NOT NULL,
		error_message TEXT,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS offer_history_product ON offer_history (product_id, recorded_at)`,
}

const columns = `id, run_id, product_id, store_id, store_name, price, product_url, in_stock, quantity,
	description, image_url, estimated_delivery, rating, scraped_at, has_error, error_message, recorded_at`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history sqlite: schema: %w", err)
		}
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Save(ctx context.Context, rec *storage.OfferRecord) error {
	var qty sql.NullInt64
	if rec.QuantityAvailable != nil {
		qty = sql.NullInt64{Int64: int64(*rec.QuantityAvailable), Valid: true}
	}
	var rating sql.NullFloat64
	if rec.Rating != nil {
		rating = sql.NullFloat64{Float64: *rec.Rating, Valid: true}
	}

	query := `INSERT INTO offer_history (` + columns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := b.db.ExecContext(ctx, query,
		rec.ID,
		rec.RunID,
		rec.ProductID,
		rec.StoreID,
		rec.StoreName,
		rec.Price.String(),
		rec.ProductURL,
		rec.InStock,
		qty,
		rec.Description,
		rec.ImageURL,
		rec.EstimatedDelivery,
		rating,
		rec.ScrapedAt.UnixMilli(),
		rec.HasError,
		rec.ErrorMessage,
		rec.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history sqlite: insert: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.OfferRecord, error) {
	query := `SELECT ` + columns + ` FROM offer_history WHERE 1=1`
	args := []any{}

	if filter.PartNumber != "" {
		query += ` AND product_id = ? COLLATE NOCASE`
		args = append(args, filter.PartNumber)
	}
	if filter.StoreID != "" {
		query += ` AND store_id = ? COLLATE NOCASE`
		args = append(args, filter.StoreID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.HasError != nil {
		query += ` AND has_error = ?`
		args = append(args, *filter.HasError)
	}
	if filter.Since != nil {
		query += ` AND recorded_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}

	query += ` ORDER BY recorded_at DESC, rowid DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history sqlite: query: %w", err)
	}
	defer rows.Close()

	results := []*storage.OfferRecord{}
	for rows.Next() {
		var (
			r                   storage.OfferRecord
			price               string
			qty                 sql.NullInt64
			rating              sql.NullFloat64
			url, desc, img, eta sql.NullString
			errMsg              sql.NullString
			scraped, recorded   int64
		)
		err := rows.Scan(
			&r.ID, &r.RunID, &r.ProductID, &r.StoreID, &r.StoreName, &price, &url, &r.InStock, &qty,
			&desc, &img, &eta, &rating, &scraped, &r.HasError, &errMsg, &recorded,
		)
		if err != nil {
			return nil, fmt.Errorf("history sqlite: scan: %w", err)
		}

		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("history sqlite: price of %s: %w", r.ID, err)
		}
		if qty.Valid {
			n := int(qty.Int64)
			r.QuantityAvailable = &n
		}
		if rating.Valid {
			f := rating.Float64
			r.Rating = &f
		}
		r.ProductURL = url.String
		r.Description = desc.String
		r.ImageURL = img.String
		r.EstimatedDelivery = eta.String
		r.ErrorMessage = errMsg.String
		r.ScrapedAt = time.UnixMilli(scraped).UTC()
		r.RecordedAt = time.UnixMilli(recorded).UTC()

		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history sqlite: rows: %w", err)
	}

	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
