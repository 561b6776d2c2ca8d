package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/FranksOps/partprice/internal/storage"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS offer_history (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	store_id TEXT NOT NULL,
	store_name TEXT NOT NULL,
	price NUMERIC NOT NULL,
	product_url TEXT NOT NULL DEFAULT '',
	in_stock BOOLEAN NOT NULL,
	quantity INTEGER,
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	estimated_delivery TEXT NOT NULL DEFAULT '',
	rating DOUBLE PRECISION,
	scraped_at TIMESTAMPTZ NOT NULL,
	has_error BOOLEAN NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS offer_history_product ON offer_history (lower(product_id), recorded_at DESC);
`

const columns = `id, run_id, product_id, store_id, store_name, price, product_url, in_stock, quantity,
	description, image_url, estimated_delivery, rating, scraped_at, has_error, error_message, recorded_at`

var selectColumns = strings.Replace(columns, "price,", "price::text,", 1)

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}

	if _, err = pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, rec *storage.OfferRecord) error {
	query := `INSERT INTO offer_history (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	// price travels as text both ways so no precision is lost in between.
	_, err := b.pool.Exec(ctx, query,
		rec.ID,
		rec.RunID,
		rec.ProductID,
		rec.StoreID,
		rec.StoreName,
		rec.Price.String(),
		rec.ProductURL,
		rec.InStock,
		rec.QuantityAvailable,
		rec.Description,
		rec.ImageURL,
		rec.EstimatedDelivery,
		rec.Rating,
		rec.ScrapedAt,
		rec.HasError,
		rec.ErrorMessage,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("history postgres: insert: %w", err)
	}
	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.OfferRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM offer_history WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.PartNumber != "" {
		query += fmt.Sprintf(` AND lower(product_id) = lower($%d)`, paramCount)
		args = append(args, filter.PartNumber)
		paramCount++
	}
	if filter.StoreID != "" {
		query += fmt.Sprintf(` AND lower(store_id) = lower($%d)`, paramCount)
		args = append(args, filter.StoreID)
		paramCount++
	}
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, paramCount)
		args = append(args, filter.RunID)
		paramCount++
	}
	if filter.HasError != nil {
		query += fmt.Sprintf(` AND has_error = $%d`, paramCount)
		args = append(args, *filter.HasError)
		paramCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND recorded_at >= $%d`, paramCount)
		args = append(args, *filter.Since)
		paramCount++
	}

	query += ` ORDER BY recorded_at DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history postgres: query: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*storage.OfferRecord, error) {
		var r storage.OfferRecord
		var price string
		err := row.Scan(
			&r.ID, &r.RunID, &r.ProductID, &r.StoreID, &r.StoreName, &price, &r.ProductURL, &r.InStock,
			&r.QuantityAvailable, &r.Description, &r.ImageURL, &r.EstimatedDelivery, &r.Rating,
			&r.ScrapedAt, &r.HasError, &r.ErrorMessage, &r.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("price of %s: %w", r.ID, err)
		}
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan: %w", err)
	}

	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
