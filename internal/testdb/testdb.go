// Package testdb provides migrated in-memory SQLite databases for package tests.
package testdb

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"pharmacypos/m/internal/database"
	"pharmacypos/m/internal/migrations"
)

// New returns an empty, migrated database that is closed when the test ends.
func New(t testing.TB) *sqlx.DB {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:?_time_format=sqlite", 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Exec runs fixture statements, failing the test on the first error.
func Exec(t testing.TB, db *sqlx.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture %q: %v", stmt, err)
		}
	}
}
