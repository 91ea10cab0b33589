// Package checkout turns a cart into a committed sale.
//
// Commit re-reads every line against current stock and prescription state inside one
// database transaction, validates the lines in cart order, and then applies conditional
// stock and refill decrements before recording the sale. Either every effect becomes
// visible or none does.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/cart"
	"pharmacypos/m/internal/inventory"
	"pharmacypos/m/internal/metrics"
	"pharmacypos/m/internal/outbox"
	"pharmacypos/m/internal/patients"
	"pharmacypos/m/internal/prescriptions"
	"pharmacypos/m/internal/sales"
)

const DefaultTimeout = 5 * time.Second

// Payer identifies who the sale is for. An empty PatientID is a walk-in customer.
type Payer struct {
	PatientID string
}

func (p Payer) Ref() string {
	if p.PatientID == "" {
		return domain.WalkInPayer
	}
	return p.PatientID
}

// LineError reports the first cart line that could not be sold.
type LineError struct {
	Index          int
	MedicationID   string
	PrescriptionID string
	Err            error
}

func (e *LineError) Error() string {
	if e.PrescriptionID != "" {
		return fmt.Sprintf("line %d (medication %s, prescription %s): %v", e.Index, e.MedicationID, e.PrescriptionID, e.Err)
	}
	return fmt.Sprintf("line %d (medication %s): %v", e.Index, e.MedicationID, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

type Engine struct {
	db            *sqlx.DB
	inventory     *inventory.Store
	prescriptions *prescriptions.Ledger
	patients      *patients.Directory
	sales         *sales.Ledger
	metrics       *metrics.Metrics
	log           *zap.Logger
	timeout       time.Duration

	// afterValidate runs between validation and the writes. Tests use it to simulate a concurrent writer.
	afterValidate func(ctx context.Context, tx *sqlx.Tx) error
}

func New(db *sqlx.DB, m *metrics.Metrics, log *zap.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		db:            db,
		inventory:     inventory.New(db),
		prescriptions: prescriptions.New(db),
		patients:      patients.New(db),
		sales:         sales.New(db),
		metrics:       m,
		log:           log.Named("checkout"),
		timeout:       timeout,
	}
}

// Commit sells every line of c to payer on behalf of cashier and returns the sale id.
// The cart is left untouched; clearing it after success is the caller's job.
func (e *Engine) Commit(ctx context.Context, c *cart.Cart, payer Payer, cashier string) (int64, error) {
	start := time.Now()
	lines := c.Lines()

	saleID, err := e.commit(ctx, lines, payer, cashier)
	outcome := Outcome(err)
	if e.metrics != nil {
		e.metrics.ObserveCheckout(outcome, time.Since(start))
	}
	if err != nil {
		e.log.Warn("checkout rejected",
			zap.String("cashier", cashier),
			zap.String("payer", payer.Ref()),
			zap.Int("lines", len(lines)),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return 0, err
	}

	if e.metrics != nil {
		for _, l := range lines {
			e.metrics.ObserveDispensed(l.Source.Kind(), l.Quantity)
		}
	}
	e.log.Info("sale committed",
		zap.Int64("sale_id", saleID),
		zap.String("cashier", cashier),
		zap.String("payer", payer.Ref()),
		zap.Int("lines", len(lines)),
		zap.String("total", c.Total().StringFixed(2)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return saleID, nil
}

func (e *Engine) commit(ctx context.Context, lines []cart.Line, payer Payer, cashier string) (int64, error) {
	if len(lines) == 0 {
		return 0, fmt.Errorf("cart is empty: %w", domain.ErrInvalidInput)
	}
	if cashier == "" {
		return 0, fmt.Errorf("cashier is required: %w", domain.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin checkout: %w", err)
	}
	defer tx.Rollback()

	inv := e.inventory.WithTx(tx)
	rxs := e.prescriptions.WithTx(tx)

	if payer.PatientID != "" {
		if _, err := e.patients.WithTx(tx).Get(ctx, payer.PatientID); err != nil {
			return 0, fmt.Errorf("payer: %w", err)
		}
	}
	if err := validate(ctx, lines, payer, inv, rxs); err != nil {
		return 0, err
	}
	if e.afterValidate != nil {
		if err := e.afterValidate(ctx, tx); err != nil {
			return 0, err
		}
	}

	total := decimal.Zero
	items := make([]domain.SaleItem, len(lines))
	for i, l := range lines {
		if err := inv.Adjust(ctx, l.MedicationID, -l.Quantity); err != nil {
			return 0, conflict(i, l, err)
		}
		item := domain.SaleItem{
			MedicationID: l.MedicationID,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			Subtotal:     l.Total(),
		}
		if rx, ok := l.Source.(cart.PrescriptionFulfillment); ok {
			if err := rxs.TryDecrementRefill(ctx, rx.PrescriptionID); err != nil {
				return 0, conflict(i, l, err)
			}
			id := rx.PrescriptionID
			item.PrescriptionID = &id
		}
		items[i] = item
		total = total.Add(item.Subtotal)
	}

	header := domain.SaleHeader{
		PayerRef:  payer.Ref(),
		Cashier:   cashier,
		Total:     total,
		CreatedAt: time.Now().UTC(),
	}
	saleID, err := e.sales.WithTx(tx).Record(ctx, header, items)
	if err != nil {
		return 0, err
	}
	header.ID = saleID
	for i := range items {
		items[i].SaleID = saleID
	}

	if _, err := outbox.Append(ctx, tx, outbox.AggregateSale, strconv.FormatInt(saleID, 10), outbox.EventSaleCommitted, saleCommitted{
		SaleHeader: header,
		Items:      items,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sale: %w", err)
	}
	return saleID, nil
}

type saleCommitted struct {
	domain.SaleHeader
	Items []domain.SaleItem `json:"items"`
}

// validate checks lines in cart order against current state. Earlier lines claim stock and
// refills before later ones, so a repeated medication fails on the line that overdraws it.
func validate(ctx context.Context, lines []cart.Line, payer Payer, inv *inventory.Store, rxs *prescriptions.Ledger) error {
	claimedStock := make(map[string]int64)
	claimedRefills := make(map[string]int64)

	for i, l := range lines {
		if l.Quantity <= 0 {
			return lineError(i, l, fmt.Errorf("quantity must be positive: %w", domain.ErrInvalidInput))
		}
		if l.UnitPrice.IsNegative() || !domain.IsWholeCents(l.UnitPrice) {
			return lineError(i, l, fmt.Errorf("unit price %s is not a whole-cent amount: %w", l.UnitPrice, domain.ErrInvalidInput))
		}

		switch src := l.Source.(type) {
		case cart.WalkIn:
		case cart.HospitalDirect:
			if src.PatientID == "" || src.PatientID != payer.PatientID {
				return lineError(i, l, fmt.Errorf("hospital dispense for %q billed to %s: %w", src.PatientID, payer.Ref(), domain.ErrInvalidInput))
			}
		case cart.PrescriptionFulfillment:
			if src.PatientID != payer.PatientID {
				return lineError(i, l, fmt.Errorf("prescription for %q billed to %s: %w", src.PatientID, payer.Ref(), domain.ErrInvalidInput))
			}
			rx, err := rxs.Get(ctx, src.PrescriptionID)
			if err != nil {
				return lineError(i, l, err)
			}
			if rx.PatientID != src.PatientID || rx.MedicationID != l.MedicationID || rx.Quantity != l.Quantity {
				return lineError(i, l, fmt.Errorf("line does not match prescription %s: %w", rx.ID, domain.ErrInvalidInput))
			}
			if rx.Status != domain.PrescriptionActive || rx.RefillsRemaining-claimedRefills[rx.ID] <= 0 {
				return lineError(i, l, fmt.Errorf("prescription %s is %s: %w", rx.ID, rx.Status, domain.ErrNoRefillsRemaining))
			}
			claimedRefills[rx.ID]++
		default:
			return lineError(i, l, fmt.Errorf("line has no source: %w", domain.ErrInvalidInput))
		}

		rec, err := inv.Get(ctx, l.MedicationID)
		if err != nil {
			return lineError(i, l, err)
		}
		if available := rec.Quantity - claimedStock[l.MedicationID]; available < l.Quantity {
			return lineError(i, l, fmt.Errorf("%d requested, %d available: %w", l.Quantity, available, domain.ErrInsufficientStock))
		}
		claimedStock[l.MedicationID] += l.Quantity
	}
	return nil
}

func lineError(i int, l cart.Line, err error) *LineError {
	le := &LineError{Index: i, MedicationID: l.MedicationID, Err: err}
	if rx, ok := l.Source.(cart.PrescriptionFulfillment); ok {
		le.PrescriptionID = rx.PrescriptionID
	}
	return le
}

// conflict reports a write that failed after validation passed, meaning another
// checkout changed the row in between.
func conflict(i int, l cart.Line, err error) error {
	if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrNoRefillsRemaining) || errors.Is(err, domain.ErrNotFound) {
		return lineError(i, l, fmt.Errorf("%w: %w", domain.ErrCommitConflict, err))
	}
	return lineError(i, l, err)
}

// Outcome names the class of a Commit result, as used in metrics and API error bodies.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeCommitted
	case errors.Is(err, domain.ErrCommitConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, domain.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.OutcomeInsufficientStock
	case errors.Is(err, domain.ErrNoRefillsRemaining):
		return metrics.OutcomeNoRefills
	case errors.Is(err, domain.ErrInvalidInput):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
