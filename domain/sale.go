package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalkInPayer is recorded as the payer reference of sales with no patient.
const WalkInPayer = "WALK-IN"

// IsWholeCents reports whether d has no more than two decimal places, the precision money is stored at.
func IsWholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

type SaleHeader struct {
	ID        int64           `db:"id" json:"id"`
	PayerRef  string          `db:"payer_ref" json:"payer_ref"`
	Cashier   string          `db:"cashier" json:"cashier"`
	Total     decimal.Decimal `db:"total" json:"total"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

type SaleItem struct {
	ID             int64           `db:"id" json:"id"`
	SaleID         int64           `db:"sale_id" json:"sale_id"`
	MedicationID   string          `db:"medication_id" json:"medication_id"`
	PrescriptionID *string         `db:"prescription_id" json:"prescription_id,omitempty"`
	Quantity       int64           `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
}

// ReceiptLine is a sale item joined with the medication names for display.
type ReceiptLine struct {
	SaleItem
	GenericName string `db:"generic_name" json:"generic_name"`
	BrandName   string `db:"brand_name" json:"brand_name"`
}

// Receipt carries everything the presentation layer needs to print a sale.
type Receipt struct {
	SaleHeader
	Lines []ReceiptLine `json:"lines"`
}

// SalesSummary aggregates committed sales over a period.
type SalesSummary struct {
	Revenue decimal.Decimal `json:"revenue"`
	Count   int64           `json:"sales_count"`
}
