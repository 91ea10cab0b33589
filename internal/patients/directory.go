// Package patients is a read-only view of the patient registry owned by the registration desk.
package patients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"pharmacypos/m/domain"
)

type Directory struct {
	q sqlx.ExtContext
}

func New(db *sqlx.DB) *Directory {
	return &Directory{q: db}
}

// WithTx returns a Directory whose lookups run inside tx.
func (d *Directory) WithTx(tx *sqlx.Tx) *Directory {
	return &Directory{q: tx}
}

// Get returns an active patient.
func (d *Directory) Get(ctx context.Context, patientID string) (domain.Patient, error) {
	var p domain.Patient
	err := sqlx.GetContext(ctx, d.q, &p, d.q.Rebind(`SELECT id, first_name, last_name, COALESCE(date_of_birth, '') AS date_of_birth,
                       COALESCE(gender, '') AS gender, COALESCE(email, '') AS email, is_active
                FROM patients WHERE id = ? AND is_active = ?`), patientID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load patient %s: %w", patientID, err)
	}
	return p, nil
}

// Upsert mirrors a registry record into the local store. Used when seeding the counter database.
func (d *Directory) Upsert(ctx context.Context, p domain.Patient) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.FirstName) == "" {
		return fmt.Errorf("patient id and first name are required: %w", domain.ErrInvalidInput)
	}
	_, err := d.q.ExecContext(ctx, d.q.Rebind(`INSERT INTO patients (id, first_name, last_name, date_of_birth, gender, email, is_active)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
                    date_of_birth = excluded.date_of_birth, gender = excluded.gender, email = excluded.email, is_active = excluded.is_active`),
		p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Gender, strings.ToLower(p.Email), p.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert patient %s: %w", p.ID, err)
	}
	return nil
}
