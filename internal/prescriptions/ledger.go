// Package prescriptions owns prescription refill state.
//
// The only mutation on the sale path is TryDecrementRefill, a compare-and-decrement
// executed as one conditional UPDATE: concurrent fulfilments of the last refill
// race on the row and exactly one of them sees an affected row.
package prescriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmacypos/m/domain"
)

const selectPrescription = `SELECT id, patient_id, medication_id, dosage, quantity, days_supply,
                       refills_authorized, refills_remaining, instructions, status, created_at
                FROM prescriptions`

type Ledger struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

func New(db *sqlx.DB) *Ledger {
	return &Ledger{db: db, q: db}
}

// WithTx returns a Ledger whose statements run inside tx.
func (l *Ledger) WithTx(tx *sqlx.Tx) *Ledger {
	return &Ledger{q: tx}
}

// ActivePrescriptions lists a patient's prescriptions with status Active, oldest first.
func (l *Ledger) ActivePrescriptions(ctx context.Context, patientID string) ([]domain.Prescription, error) {
	rxs := []domain.Prescription{}
	err := sqlx.SelectContext(ctx, l.q, &rxs, l.q.Rebind(selectPrescription+`
                WHERE patient_id = ? AND status = ?
                ORDER BY created_at, id`), patientID, domain.PrescriptionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list prescriptions of %s: %w", patientID, err)
	}
	return rxs, nil
}

// Get returns a prescription in any status.
func (l *Ledger) Get(ctx context.Context, prescriptionID string) (domain.Prescription, error) {
	var rx domain.Prescription
	err := sqlx.GetContext(ctx, l.q, &rx, l.q.Rebind(selectPrescription+` WHERE id = ?`), prescriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return rx, fmt.Errorf("prescription %s: %w", prescriptionID, domain.ErrNotFound)
	}
	if err != nil {
		return rx, fmt.Errorf("failed to load prescription %s: %w", prescriptionID, err)
	}
	return rx, nil
}

// RemainingRefills returns how many fills are left on a prescription.
func (l *Ledger) RemainingRefills(ctx context.Context, prescriptionID string) (int64, error) {
	var remaining int64
	err := sqlx.GetContext(ctx, l.q, &remaining, l.q.Rebind(`SELECT refills_remaining FROM prescriptions WHERE id = ?`), prescriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("prescription %s: %w", prescriptionID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read refills of %s: %w", prescriptionID, err)
	}
	return remaining, nil
}

// TryDecrementRefill consumes one refill if the prescription is active and has one left.
// Otherwise nothing changes and ErrNoRefillsRemaining is returned. Taking the last refill
// marks the prescription Exhausted.
func (l *Ledger) TryDecrementRefill(ctx context.Context, prescriptionID string) error {
	res, err := l.q.ExecContext(ctx, l.q.Rebind(`UPDATE prescriptions
                SET refills_remaining = refills_remaining - 1,
                    status = CASE WHEN refills_remaining = 1 THEN ? ELSE status END
                WHERE id = ? AND status = ? AND refills_remaining > 0`),
		domain.PrescriptionExhausted, prescriptionID, domain.PrescriptionActive)
	if err != nil {
		return fmt.Errorf("failed to decrement refill of %s: %w", prescriptionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to decrement refill of %s: %w", prescriptionID, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := l.RemainingRefills(ctx, prescriptionID); err != nil {
		return err
	}
	return fmt.Errorf("prescription %s: %w", prescriptionID, domain.ErrNoRefillsRemaining)
}

// Cancel withdraws a prescription so it can no longer be fulfilled.
func (l *Ledger) Cancel(ctx context.Context, prescriptionID string) error {
	res, err := l.q.ExecContext(ctx, l.q.Rebind(`UPDATE prescriptions SET status = ? WHERE id = ?`), domain.PrescriptionCancelled, prescriptionID)
	if err != nil {
		return fmt.Errorf("failed to cancel prescription %s: %w", prescriptionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("prescription %s: %w", prescriptionID, domain.ErrNotFound)
	}
	return nil
}

// NewPrescription is what a prescriber submits; refills remaining starts at refills authorized.
type NewPrescription struct {
	PatientID         string
	MedicationID      string
	Dosage            string
	Quantity          int64
	DaysSupply        int64
	RefillsAuthorized int64
	Instructions      string
}

// Create records a prescription under the next RX code and returns its id.
func (l *Ledger) Create(ctx context.Context, in NewPrescription) (string, error) {
	if strings.TrimSpace(in.PatientID) == "" || strings.TrimSpace(in.MedicationID) == "" {
		return "", fmt.Errorf("patient and medication are required: %w", domain.ErrInvalidInput)
	}
	if in.Quantity <= 0 || in.DaysSupply < 0 || in.RefillsAuthorized < 0 {
		return "", fmt.Errorf("quantity must be positive and refills not negative: %w", domain.ErrInvalidInput)
	}
	if l.db == nil {
		return l.create(ctx, in)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := l.WithTx(tx).create(ctx, in)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit prescription: %w", err)
	}
	return id, nil
}

func (l *Ledger) create(ctx context.Context, in NewPrescription) (string, error) {
	for table, id := range map[string]string{"patients": in.PatientID, "medications": in.MedicationID} {
		var exists bool
		if err := sqlx.GetContext(ctx, l.q, &exists, l.q.Rebind(`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ?)`), id); err != nil {
			return "", fmt.Errorf("failed to check %s %s: %w", table, id, err)
		}
		if !exists {
			return "", fmt.Errorf("%s %s: %w", table, id, domain.ErrNotFound)
		}
	}

	var ids []string
	if err := sqlx.SelectContext(ctx, l.q, &ids, `SELECT id FROM prescriptions WHERE id LIKE 'RX%'`); err != nil {
		return "", fmt.Errorf("failed to read prescription ids: %w", err)
	}
	id := domain.NextCode("RX", ids)

	_, err := l.q.ExecContext(ctx, l.q.Rebind(`INSERT INTO prescriptions
                (id, patient_id, medication_id, dosage, quantity, days_supply, refills_authorized, refills_remaining, instructions, status, created_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, in.PatientID, in.MedicationID, in.Dosage, in.Quantity, in.DaysSupply,
		in.RefillsAuthorized, in.RefillsAuthorized, in.Instructions, domain.PrescriptionActive, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert prescription %s: %w", id, err)
	}
	return id, nil
}
