// Package seed loads the opening catalog into an empty counter database.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/inventory"
)

// LoadCatalog ingests a CSV of medication_id, generic_name, brand_name, quantity, unit_price.
// Medications that already exist are skipped so restarts never reset stock.
// Malformed rows are logged and skipped. It returns the number of medications added.
func LoadCatalog(ctx context.Context, db *sqlx.DB, csvPath string, log *zap.Logger) (int, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("unable to open catalog %s: %w", csvPath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	// Skip header
	if _, err := reader.Read(); err != nil {
		return 0, fmt.Errorf("unable to read catalog header: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("unable to start catalog transaction: %w", err)
	}
	defer tx.Rollback()
	store := inventory.New(db).WithTx(tx)

	rows := 0
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("unable to read catalog row", zap.Int("line", line), zap.Error(err))
			continue
		}
		row, err := parseRow(record)
		if err != nil {
			log.Warn("skipping catalog row", zap.Int("line", line), zap.Error(err))
			continue
		}

		_, err = store.Medication(ctx, row.id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return rows, err
		}
		if err := store.UpsertMedication(ctx, row.id, row.generic, row.brand); err != nil {
			return rows, err
		}
		if err := store.UpsertInventory(ctx, row.id, row.quantity, row.price); err != nil {
			return rows, err
		}
		rows++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("unable to commit catalog seed: %w", err)
	}
	log.Info("seeded medication catalog", zap.String("path", csvPath), zap.Int("rows", rows))
	return rows, nil
}

type catalogRow struct {
	id, generic, brand string
	quantity           int64
	price              decimal.Decimal
}

func parseRow(record []string) (catalogRow, error) {
	if len(record) < 5 {
		return catalogRow{}, fmt.Errorf("expected 5 fields, got %d", len(record))
	}
	row := catalogRow{
		id:      strings.TrimSpace(record[0]),
		generic: strings.TrimSpace(record[1]),
		brand:   strings.TrimSpace(record[2]),
	}
	if row.id == "" || row.generic == "" || row.brand == "" {
		return row, errors.New("medication id, generic and brand names are required")
	}
	qty, err := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
	if err != nil || qty < 0 {
		return row, fmt.Errorf("invalid quantity %q", record[3])
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[4]))
	if err != nil || price.IsNegative() || !domain.IsWholeCents(price) {
		return row, fmt.Errorf("invalid unit price %q", record[4])
	}
	row.quantity, row.price = qty, price
	return row, nil
}
