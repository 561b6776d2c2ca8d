package csvbackend

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FranksOps/partprice/internal/storage"
)

// ensure csvBackend implements storage.Backend
var _ storage.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

// headers defines the CSV column order
var headers = []string{
	"id",
	"run_id",
	"recorded_at",
	"product_id",
	"store_id",
	"store_name",
	"price",
	"product_url",
	"in_stock",
	"quantity_available",
	"description",
	"image_url",
	"estimated_delivery",
	"rating",
	"scraped_at",
	"has_error",
	"error_message",
}

// New creates a new CSV-backed storage.Backend, writing the header row
// when the file is new.
func New(filePath string) (storage.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("history csv: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("history csv: stat: %w", err)
	}

	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("history csv: header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("history csv: header: %w", err)
		}
	}

	return &csvBackend{file: f}, nil
}

func (b *csvBackend) Save(ctx context.Context, rec *storage.OfferRecord) error {
	var qty, rating string
	if rec.QuantityAvailable != nil {
		qty = strconv.Itoa(*rec.QuantityAvailable)
	}
	if rec.Rating != nil {
		rating = strconv.FormatFloat(*rec.Rating, 'f', -1, 64)
	}

	record := []string{
		rec.ID,
		rec.RunID,
		rec.RecordedAt.Format(time.RFC3339Nano),
		rec.ProductID,
		rec.StoreID,
		rec.StoreName,
		rec.Price.String(),
		rec.ProductURL,
		strconv.FormatBool(rec.InStock),
		qty,
		rec.Description,
		rec.ImageURL,
		rec.EstimatedDelivery,
		rating,
		rec.ScrapedAt.Format(time.RFC3339Nano),
		strconv.FormatBool(rec.HasError),
		rec.ErrorMessage,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("history csv: write: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("history csv: write: %w", err)
	}
	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter storage.Filter) ([]*storage.OfferRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("history csv: seek: %w", err)
	}
	defer func() {
		_, _ = b.file.Seek(0, io.SeekEnd)
	}()

	r := csv.NewReader(b.file)
	r.FieldsPerRecord = -1

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []*storage.OfferRecord{}, nil
		}
		return nil, fmt.Errorf("history csv: header: %w", err)
	}

	matched := []*storage.OfferRecord{}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("history csv: read: %w", err)
		}
		if len(record) != len(headers) {
			continue // skip malformed rows
		}

		rec, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("history csv: row %s: %w", record[0], err)
		}
		if filter.Match(rec) {
			matched = append(matched, rec)
		}
	}

	return filter.Page(matched), nil
}

func parseRecord(record []string) (*storage.OfferRecord, error) {
	price, err := decimal.NewFromString(record[6])
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	recordedAt, _ := time.Parse(time.RFC3339Nano, record[2])
	scrapedAt, _ := time.Parse(time.RFC3339Nano, record[14])
	inStock, _ := strconv.ParseBool(record[8])
	hasError, _ := strconv.ParseBool(record[15])

	rec := &storage.OfferRecord{
		ID:         record[0],
		RunID:      record[1],
		RecordedAt: recordedAt,
	}
	rec.ProductID = record[3]
	rec.StoreID = record[4]
	rec.StoreName = record[5]
	rec.Price = price
	rec.ProductURL = record[7]
	rec.InStock = inStock
	rec.Description = record[10]
	rec.ImageURL = record[11]
	rec.EstimatedDelivery = record[12]
	rec.ScrapedAt = scrapedAt
	rec.HasError = hasError
	rec.ErrorMessage = record[16]

	if record[9] != "" {
		if n, err := strconv.Atoi(record[9]); err == nil {
			rec.QuantityAvailable = &n
		}
	}
	if record[13] != "" {
		if f, err := strconv.ParseFloat(record[13], 64); err == nil {
			rec.Rating = &f
		}
	}
	return rec, nil
}

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
