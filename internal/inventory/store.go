// Package inventory is the authoritative store of stock quantities and unit prices.
//
// Quantity on hand only ever shrinks through Adjust, a single conditional UPDATE
// that refuses to take a row below zero. Upserts are administrative and bypass it.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"pharmacypos/m/domain"
)

// Store reads and mutates medications and their inventory rows.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

// New constructs a Store on db.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// WithTx returns a Store whose statements run inside tx.
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	return &Store{q: tx}
}

// Get returns the inventory record of an active medication.
func (s *Store) Get(ctx context.Context, medicationID string) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := sqlx.GetContext(ctx, s.q, &rec, s.q.Rebind(`SELECT i.medication_id, i.quantity, i.unit_price, i.updated_at
                FROM inventory i
                JOIN medications m ON m.id = i.medication_id
                WHERE i.medication_id = ? AND m.is_active = ?`), medicationID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("inventory for medication %s: %w", medicationID, domain.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load inventory for %s: %w", medicationID, err)
	}
	return rec, nil
}

// Medication returns a medication regardless of its active flag.
func (s *Store) Medication(ctx context.Context, medicationID string) (domain.Medication, error) {
	var med domain.Medication
	err := sqlx.GetContext(ctx, s.q, &med, s.q.Rebind(`SELECT id, generic_name, brand_name, is_active FROM medications WHERE id = ?`), medicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return med, fmt.Errorf("medication %s: %w", medicationID, domain.ErrNotFound)
	}
	if err != nil {
		return med, fmt.Errorf("failed to load medication %s: %w", medicationID, err)
	}
	return med, nil
}

// List returns every medication matching fragment with its stock, inactive ones included.
func (s *Store) List(ctx context.Context, fragment string) ([]domain.InventoryListing, error) {
	like := "%" + strings.ToLower(strings.TrimSpace(fragment)) + "%"
	var rows []domain.InventoryListing
	err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(`SELECT m.id AS medication_id, m.generic_name, m.brand_name, m.is_active,
                       COALESCE(i.quantity, 0) AS quantity, COALESCE(i.unit_price, '0') AS unit_price
                FROM medications m
                LEFT JOIN inventory i ON i.medication_id = m.id
                WHERE LOWER(m.generic_name) LIKE ? OR LOWER(m.brand_name) LIKE ?
                ORDER BY m.generic_name, m.brand_name, m.id`), like, like)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	return rows, nil
}

// Adjust applies a signed delta to the quantity on hand as one conditional statement.
// A delta that would take the quantity below zero changes nothing and reports ErrInsufficientStock.
func (s *Store) Adjust(ctx context.Context, medicationID string, delta int64) error {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(`UPDATE inventory SET quantity = quantity + ?, updated_at = ?
                WHERE medication_id = ? AND quantity + ? >= 0`), delta, time.Now().UTC(), medicationID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory for %s: %w", medicationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to adjust inventory for %s: %w", medicationID, err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := sqlx.GetContext(ctx, s.q, &exists, s.q.Rebind(`SELECT EXISTS(SELECT 1 FROM inventory WHERE medication_id = ?)`), medicationID); err != nil {
		return fmt.Errorf("failed to check inventory for %s: %w", medicationID, err)
	}
	if !exists {
		return fmt.Errorf("inventory for medication %s: %w", medicationID, domain.ErrNotFound)
	}
	return fmt.Errorf("medication %s cannot be adjusted by %d: %w", medicationID, delta, domain.ErrInsufficientStock)
}

// UpsertMedication inserts a medication or corrects the names of an existing one.
func (s *Store) UpsertMedication(ctx context.Context, medicationID, genericName, brandName string) error {
	medicationID, genericName, brandName = strings.TrimSpace(medicationID), strings.TrimSpace(genericName), strings.TrimSpace(brandName)
	if medicationID == "" || genericName == "" || brandName == "" {
		return fmt.Errorf("medication id, generic and brand names are required: %w", domain.ErrInvalidInput)
	}
	_, err := s.q.ExecContext(ctx, s.q.Rebind(`INSERT INTO medications (id, generic_name, brand_name, is_active) VALUES (?, ?, ?, ?)
                ON CONFLICT (id) DO UPDATE SET generic_name = excluded.generic_name, brand_name = excluded.brand_name`),
		medicationID, genericName, brandName, true)
	if err != nil {
		return fmt.Errorf("failed to upsert medication %s: %w", medicationID, err)
	}
	return nil
}

// UpsertInventory replaces the quantity and unit price of a medication, creating the row if needed.
func (s *Store) UpsertInventory(ctx context.Context, medicationID string, quantity int64, unitPrice decimal.Decimal) error {
	if quantity < 0 || unitPrice.IsNegative() {
		return fmt.Errorf("quantity and unit price must not be negative: %w", domain.ErrInvalidInput)
	}
	if !domain.IsWholeCents(unitPrice) {
		return fmt.Errorf("unit price %s has fractional cents: %w", unitPrice, domain.ErrInvalidInput)
	}
	if _, err := s.Medication(ctx, medicationID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, s.q.Rebind(`INSERT INTO inventory (medication_id, quantity, unit_price, updated_at) VALUES (?, ?, ?, ?)
                ON CONFLICT (medication_id) DO UPDATE SET quantity = excluded.quantity, unit_price = excluded.unit_price, updated_at = excluded.updated_at`),
		medicationID, quantity, unitPrice.StringFixed(2), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert inventory for %s: %w", medicationID, err)
	}
	return nil
}

// SetActive flips the active flag of a medication. Inactive medications are hidden from the catalog and cannot be sold.
func (s *Store) SetActive(ctx context.Context, medicationID string, active bool) error {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(`UPDATE medications SET is_active = ? WHERE id = ?`), active, medicationID)
	if err != nil {
		return fmt.Errorf("failed to update medication %s: %w", medicationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("medication %s: %w", medicationID, domain.ErrNotFound)
	}
	return nil
}

// NextMedicationID returns the next free code in the M001, M002, ... sequence.
func (s *Store) NextMedicationID(ctx context.Context) (string, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, s.q, &ids, `SELECT id FROM medications WHERE id LIKE 'M%'`); err != nil {
		return "", fmt.Errorf("failed to read medication ids: %w", err)
	}
	return domain.NextCode("M", ids), nil
}

// CreateMedication registers a new medication with its opening stock under a generated id.
func (s *Store) CreateMedication(ctx context.Context, genericName, brandName string, quantity int64, unitPrice decimal.Decimal) (string, error) {
	if s.db == nil {
		return s.createMedication(ctx, genericName, brandName, quantity, unitPrice)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := s.WithTx(tx).createMedication(ctx, genericName, brandName, quantity, unitPrice)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit medication %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) createMedication(ctx context.Context, genericName, brandName string, quantity int64, unitPrice decimal.Decimal) (string, error) {
	id, err := s.NextMedicationID(ctx)
	if err != nil {
		return "", err
	}
	if err := s.UpsertMedication(ctx, id, genericName, brandName); err != nil {
		return "", err
	}
	if err := s.UpsertInventory(ctx, id, quantity, unitPrice); err != nil {
		return "", err
	}
	return id, nil
}
