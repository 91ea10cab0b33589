package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Medication struct {
	ID          string `db:"id" json:"id"`
	GenericName string `db:"generic_name" json:"generic_name"`
	BrandName   string `db:"brand_name" json:"brand_name"`
	Active      bool   `db:"is_active" json:"active"`
}

// DisplayName is the label printed on cart lines and receipts.
func (m Medication) DisplayName() string {
	return m.GenericName + " (" + m.BrandName + ")"
}

type InventoryRecord struct {
	MedicationID string          `db:"medication_id" json:"medication_id"`
	Quantity     int64           `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// CatalogItem is one row of a catalog search: a medication with its current stock and price.
type CatalogItem struct {
	MedicationID string          `db:"medication_id" json:"medication_id"`
	GenericName  string          `db:"generic_name" json:"generic_name"`
	BrandName    string          `db:"brand_name" json:"brand_name"`
	Quantity     int64           `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
}

func (c CatalogItem) DisplayName() string {
	return c.GenericName + " (" + c.BrandName + ")"
}

// InventoryListing is the administrative view of a medication and its stock, inactive rows included.
type InventoryListing struct {
	CatalogItem
	Active bool `db:"is_active" json:"active"`
}
