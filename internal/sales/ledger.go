// Package sales is the append-only record of committed sales.
package sales

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

var errNoTransaction = errors.New("sales can only be recorded inside a checkout transaction")

type Ledger struct {
	q  sqlx.ExtContext
	tx bool
}

func New(db *sqlx.DB) *Ledger {
	return &Ledger{q: db}
}

// WithTx returns a Ledger bound to tx. Only a tx-bound ledger may Record.
func (l *Ledger) WithTx(tx *sqlx.Tx) *Ledger {
	return &Ledger{q: tx, tx: true}
}

// Record writes one header and its items and returns the new sale id.
// Amounts must be in whole cents, each subtotal must be quantity times unit price
// and the header total must equal the sum of the subtotals, so the stored rows reconcile exactly.
func (l *Ledger) Record(ctx context.Context, header domain.SaleHeader, items []domain.SaleItem) (int64, error) {
	if !l.tx {
		return 0, errNoTransaction
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("sale has no items: %w", domain.ErrInvalidInput)
	}
	sum := decimal.Zero
	for i, it := range items {
		if !domain.IsWholeCents(it.UnitPrice) || !domain.IsWholeCents(it.Subtotal) {
			return 0, fmt.Errorf("item %d has fractional cents: %w", i, domain.ErrInvalidInput)
		}
		if !it.Subtotal.Equal(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity))) {
			return 0, fmt.Errorf("item %d subtotal %s is not %d x %s: %w", i, it.Subtotal, it.Quantity, it.UnitPrice, domain.ErrInvalidInput)
		}
		sum = sum.Add(it.Subtotal)
	}
	if !domain.IsWholeCents(header.Total) || !sum.Equal(header.Total) {
		return 0, fmt.Errorf("sale total %s does not match items %s: %w", header.Total, sum, domain.ErrInvalidInput)
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	var saleID int64
	err := l.q.QueryRowxContext(ctx, l.q.Rebind(`INSERT INTO sales (payer_ref, cashier, total, created_at)
                VALUES (?, ?, ?, ?) RETURNING id`),
		header.PayerRef, header.Cashier, header.Total.StringFixed(2), header.CreatedAt).Scan(&saleID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sale: %w", err)
	}

	for _, it := range items {
		_, err := l.q.ExecContext(ctx, l.q.Rebind(`INSERT INTO sale_items (sale_id, medication_id, prescription_id, quantity, unit_price, subtotal)
                VALUES (?, ?, ?, ?, ?, ?)`),
			saleID, it.MedicationID, it.PrescriptionID, it.Quantity, it.UnitPrice.StringFixed(2), it.Subtotal.StringFixed(2))
		if err != nil {
			return 0, fmt.Errorf("failed to insert items of sale %d: %w", saleID, err)
		}
	}
	return saleID, nil
}

// Receipt returns a sale with its lines in the order they were sold.
func (l *Ledger) Receipt(ctx context.Context, saleID int64) (domain.Receipt, error) {
	var r domain.Receipt
	err := sqlx.GetContext(ctx, l.q, &r.SaleHeader, l.q.Rebind(`SELECT id, payer_ref, cashier, total, created_at FROM sales WHERE id = ?`), saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("sale %d: %w", saleID, domain.ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("failed to load sale %d: %w", saleID, err)
	}

	lines, err := l.lines(ctx, []int64{saleID})
	if err != nil {
		return r, err
	}
	r.Lines = lines[saleID]
	if r.Lines == nil {
		r.Lines = []domain.ReceiptLine{}
	}
	return r, nil
}

// Filter narrows List and Summary. Zero fields do not filter.
type Filter struct {
	From    time.Time
	To      time.Time
	Cashier string
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.Cashier != "" {
		clauses = append(clauses, "cashier = ?")
		args = append(args, f.Cashier)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns matching sales, newest first, each with its lines.
func (l *Ledger) List(ctx context.Context, f Filter) ([]domain.Receipt, error) {
	where, args := f.where()

	var headers []domain.SaleHeader
	query := `SELECT id, payer_ref, cashier, total, created_at FROM sales` + where + ` ORDER BY created_at DESC, id DESC`
	if err := sqlx.SelectContext(ctx, l.q, &headers, l.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	if len(headers) == 0 {
		return []domain.Receipt{}, nil
	}

	ids := make([]int64, len(headers))
	for i, h := range headers {
		ids[i] = h.ID
	}
	lines, err := l.lines(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Receipt, len(headers))
	for i, h := range headers {
		items := lines[h.ID]
		if items == nil {
			items = []domain.ReceiptLine{}
		}
		out[i] = domain.Receipt{SaleHeader: h, Lines: items}
	}
	return out, nil
}

// Summary returns the revenue and number of sales matching f.
func (l *Ledger) Summary(ctx context.Context, f Filter) (domain.SalesSummary, error) {
	where, args := f.where()

	var totals []decimal.Decimal
	if err := sqlx.SelectContext(ctx, l.q, &totals, l.q.Rebind(`SELECT total FROM sales`+where), args...); err != nil {
		return domain.SalesSummary{}, fmt.Errorf("failed to summarise sales: %w", err)
	}
	sum := domain.SalesSummary{Revenue: decimal.Zero, Count: int64(len(totals))}
	for _, t := range totals {
		sum.Revenue = sum.Revenue.Add(t)
	}
	return sum, nil
}

func (l *Ledger) lines(ctx context.Context, saleIDs []int64) (map[int64][]domain.ReceiptLine, error) {
	query, args, err := sqlx.In(`SELECT si.id, si.sale_id, si.medication_id, si.prescription_id, si.quantity, si.unit_price, si.subtotal,
                       m.generic_name, m.brand_name
                FROM sale_items si
                JOIN medications m ON m.id = si.medication_id
                WHERE si.sale_id IN (?)
                ORDER BY si.sale_id, si.id`, saleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sale items query: %w", err)
	}

	var rows []domain.ReceiptLine
	if err := sqlx.SelectContext(ctx, l.q, &rows, l.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load sale items: %w", err)
	}
	bySale := make(map[int64][]domain.ReceiptLine)
	for _, row := range rows {
		bySale[row.SaleID] = append(bySale[row.SaleID], row)
	}
	return bySale, nil
}
