package migrations

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
            id TEXT PRIMARY KEY,
            generic_name TEXT NOT NULL,
            brand_name TEXT NOT NULL,
            is_active INTEGER NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        );`,
	`CREATE TABLE IF NOT EXISTS inventory (
            medication_id TEXT PRIMARY KEY,
            quantity INTEGER NOT NULL CHECK (quantity >= 0),
            unit_price TEXT NOT NULL,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            FOREIGN KEY(medication_id) REFERENCES medications(id)
        );`,
	`CREATE TABLE IF NOT EXISTS patients (
            id TEXT PRIMARY KEY,
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL,
            date_of_birth TEXT,
            gender TEXT,
            email TEXT,
            is_active INTEGER NOT NULL DEFAULT 1
        );`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
            id TEXT PRIMARY KEY,
            patient_id TEXT NOT NULL,
            medication_id TEXT NOT NULL,
            dosage TEXT NOT NULL DEFAULT '',
            quantity INTEGER NOT NULL CHECK (quantity > 0),
            days_supply INTEGER NOT NULL DEFAULT 0,
            refills_authorized INTEGER NOT NULL CHECK (refills_authorized >= 0),
            refills_remaining INTEGER NOT NULL CHECK (refills_remaining >= 0 AND refills_remaining <= refills_authorized),
            instructions TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL CHECK (status IN ('Active', 'Exhausted', 'Cancelled')),
            created_at DATETIME NOT NULL,
            FOREIGN KEY(patient_id) REFERENCES patients(id),
            FOREIGN KEY(medication_id) REFERENCES medications(id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions(patient_id, status);`,
	`CREATE TABLE IF NOT EXISTS sales (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            payer_ref TEXT NOT NULL,
            cashier TEXT NOT NULL,
            total TEXT NOT NULL,
            created_at DATETIME NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS sale_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sale_id INTEGER NOT NULL,
            medication_id TEXT NOT NULL,
            prescription_id TEXT,
            quantity INTEGER NOT NULL CHECK (quantity > 0),
            unit_price TEXT NOT NULL,
            subtotal TEXT NOT NULL,
            FOREIGN KEY(sale_id) REFERENCES sales(id),
            FOREIGN KEY(medication_id) REFERENCES medications(id)
        );`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
            id TEXT PRIMARY KEY,
            aggregate_type TEXT NOT NULL,
            aggregate_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            published_at DATETIME,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT
        );`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS medications (
            id TEXT PRIMARY KEY,
            generic_name TEXT NOT NULL,
            brand_name TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS inventory (
            medication_id TEXT PRIMARY KEY REFERENCES medications(id),
            quantity BIGINT NOT NULL CHECK (quantity >= 0),
            unit_price NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
            updated_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS patients (
            id TEXT PRIMARY KEY,
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL,
            date_of_birth TEXT,
            gender TEXT,
            email TEXT,
            is_active BOOLEAN NOT NULL DEFAULT TRUE
        );`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
            id TEXT PRIMARY KEY,
            patient_id TEXT NOT NULL REFERENCES patients(id),
            medication_id TEXT NOT NULL REFERENCES medications(id),
            dosage TEXT NOT NULL DEFAULT '',
            quantity BIGINT NOT NULL CHECK (quantity > 0),
            days_supply BIGINT NOT NULL DEFAULT 0,
            refills_authorized BIGINT NOT NULL CHECK (refills_authorized >= 0),
            refills_remaining BIGINT NOT NULL CHECK (refills_remaining >= 0 AND refills_remaining <= refills_authorized),
            instructions TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL CHECK (status IN ('Active', 'Exhausted', 'Cancelled')),
            created_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions(patient_id, status);`,
	`CREATE TABLE IF NOT EXISTS sales (
            id BIGSERIAL PRIMARY KEY,
            payer_ref TEXT NOT NULL,
            cashier TEXT NOT NULL,
            total NUMERIC(12,2) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS sale_items (
            id BIGSERIAL PRIMARY KEY,
            sale_id BIGINT NOT NULL REFERENCES sales(id),
            medication_id TEXT NOT NULL REFERENCES medications(id),
            prescription_id TEXT,
            quantity BIGINT NOT NULL CHECK (quantity > 0),
            unit_price NUMERIC(12,2) NOT NULL,
            subtotal NUMERIC(12,2) NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
            id TEXT PRIMARY KEY,
            aggregate_type TEXT NOT NULL,
            aggregate_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            published_at TIMESTAMPTZ,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT
        );`,
}

// Run creates the database schema required by the counter engine for the connected dialect.
func Run(db *sqlx.DB) error {
	schema := postgresSchema
	if db.DriverName() == "sqlite" {
		schema = sqliteSchema
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
