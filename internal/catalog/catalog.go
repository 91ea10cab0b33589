// Package catalog answers read-only medication searches for the counter.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jmoiron/sqlx"

	"pharmacypos/m/domain"
)

type Catalog struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Catalog {
	return &Catalog{db: db}
}

const selectItems = `SELECT m.id AS medication_id, m.generic_name, m.brand_name,
                       COALESCE(i.quantity, 0) AS quantity, COALESCE(i.unit_price, '0') AS unit_price
                FROM medications m
                LEFT JOIN inventory i ON i.medication_id = m.id`

// Search matches fragment case-insensitively against generic and brand names of active
// medications, ordered by generic name then brand name. The query runs each time the
// sequence is ranged over, so it can be restarted; an empty result is not an error.
func (c *Catalog) Search(ctx context.Context, fragment string) iter.Seq2[domain.CatalogItem, error] {
	like := "%" + escapeLike(strings.ToLower(strings.TrimSpace(fragment))) + "%"
	query := c.db.Rebind(selectItems + `
                WHERE m.is_active = ? AND (LOWER(m.generic_name) LIKE ? ESCAPE '\' OR LOWER(m.brand_name) LIKE ? ESCAPE '\')
                ORDER BY m.generic_name, m.brand_name, m.id`)

	return func(yield func(domain.CatalogItem, error) bool) {
		rows, err := c.db.QueryxContext(ctx, query, true, like, like)
		if err != nil {
			yield(domain.CatalogItem{}, fmt.Errorf("failed to search catalog: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var item domain.CatalogItem
			if err := rows.StructScan(&item); err != nil {
				yield(domain.CatalogItem{}, fmt.Errorf("failed to scan catalog row: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.CatalogItem{}, fmt.Errorf("failed to search catalog: %w", err))
		}
	}
}

// Collect drains a search into a slice.
func Collect(seq iter.Seq2[domain.CatalogItem, error]) ([]domain.CatalogItem, error) {
	items := []domain.CatalogItem{}
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Get returns the current stock and price of one active, stocked medication.
func (c *Catalog) Get(ctx context.Context, medicationID string) (domain.CatalogItem, error) {
	var item domain.CatalogItem
	err := c.db.GetContext(ctx, &item, c.db.Rebind(`SELECT m.id AS medication_id, m.generic_name, m.brand_name, i.quantity, i.unit_price
                FROM medications m
                JOIN inventory i ON i.medication_id = m.id
                WHERE m.id = ? AND m.is_active = ?`), medicationID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("medication %s: %w", medicationID, domain.ErrNotFound)
	}
	if err != nil {
		return item, fmt.Errorf("failed to load medication %s: %w", medicationID, err)
	}
	return item, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
