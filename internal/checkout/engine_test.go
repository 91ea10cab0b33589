package checkout

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/cart"
	"pharmacypos/m/internal/metrics"
	"pharmacypos/m/internal/outbox"
	"pharmacypos/m/internal/sales"
	"pharmacypos/m/internal/testdb"
)

type fixture struct {
	db      *sqlx.DB
	engine  *Engine
	metrics *metrics.Metrics
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	db := testdb.New(t)
	testdb.Exec(t, db,
		`INSERT INTO medications (id, generic_name, brand_name) VALUES
                ('M001', 'Amoxicillin', 'Amoxil'),
                ('M002', 'Ibuprofen', 'Advil'),
                ('M003', 'Metformin', 'Glucophage')`,
		`INSERT INTO inventory (medication_id, quantity, unit_price, updated_at) VALUES
                ('M001', 10, '5.00', '2026-01-01 00:00:00'),
                ('M002', 2, '3.00', '2026-01-01 00:00:00'),
                ('M003', 50, '2.50', '2026-01-01 00:00:00')`,
		`INSERT INTO patients (id, first_name, last_name) VALUES ('P001', 'Ada', 'Lovelace'), ('P002', 'Alan', 'Turing')`,
		`INSERT INTO prescriptions (id, patient_id, medication_id, dosage, quantity, days_supply, refills_authorized, refills_remaining, status, created_at) VALUES
                ('RX010', 'P001', 'M003', '500mg', 1, 30, 3, 0, 'Active', '2026-01-01 00:00:00'),
                ('RX011', 'P001', 'M003', '500mg', 1, 30, 3, 1, 'Active', '2026-01-02 00:00:00'),
                ('RX012', 'P001', 'M001', '250mg', 2, 7, 2, 2, 'Active', '2026-01-03 00:00:00')`,
	)
	m := metrics.New("test")
	return &fixture{db: db, engine: New(db, m, zap.NewNop(), time.Second), metrics: m}
}

func (f *fixture) stock(t testing.TB, medicationID string) int64 {
	t.Helper()
	var q int64
	require.NoError(t, f.db.Get(&q, `SELECT quantity FROM inventory WHERE medication_id = ?`, medicationID))
	return q
}

func (f *fixture) refills(t testing.TB, prescriptionID string) (int64, domain.PrescriptionStatus) {
	t.Helper()
	var row struct {
		Remaining int64                     `db:"refills_remaining"`
		Status    domain.PrescriptionStatus `db:"status"`
	}
	require.NoError(t, f.db.Get(&row, `SELECT refills_remaining, status FROM prescriptions WHERE id = ?`, prescriptionID))
	return row.Remaining, row.Status
}

func (f *fixture) count(t testing.TB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(&n, `SELECT COUNT(*) FROM `+table))
	return n
}

func walkIn(id string, qty int64, price string) cart.Line {
	return cart.Line{MedicationID: id, Quantity: qty, UnitPrice: decimal.RequireFromString(price), Source: cart.WalkIn{}}
}

func fill(rxID, patientID, medicationID string, qty int64, price string) cart.Line {
	return cart.Line{
		MedicationID: medicationID,
		Quantity:     qty,
		UnitPrice:    decimal.RequireFromString(price),
		Source:       cart.PrescriptionFulfillment{PrescriptionID: rxID, PatientID: patientID},
	}
}

func cartOf(t testing.TB, lines ...cart.Line) *cart.Cart {
	t.Helper()
	c := cart.New()
	for _, l := range lines {
		require.NoError(t, c.Add(l))
	}
	return c
}

func TestWalkInSaleDecrementsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Commit(ctx, cartOf(t, walkIn("M001", 2, "5.00")), Payer{}, "alice")
	require.NoError(t, err)

	assert.EqualValues(t, 8, f.stock(t, "M001"))
	r, err := sales.New(f.db).Receipt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.00", r.Total.StringFixed(2))
	assert.Equal(t, domain.WalkInPayer, r.PayerRef)
	assert.Equal(t, "alice", r.Cashier)
	require.Len(t, r.Lines, 1)
	assert.EqualValues(t, 2, r.Lines[0].Quantity)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeCommitted)))
}

func TestInsufficientStockLeavesStockUnchanged(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Commit(context.Background(), cartOf(t, walkIn("M002", 5, "3.00")), Payer{}, "alice")

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 0, le.Index)
	assert.Equal(t, "M002", le.MedicationID)
	assert.EqualValues(t, 2, f.stock(t, "M002"))
	assert.Zero(t, f.count(t, "sales"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeInsufficientStock)))
}

func TestExhaustedPrescriptionIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Commit(context.Background(), cartOf(t, fill("RX010", "P001", "M003", 1, "2.50")), Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, domain.ErrNoRefillsRemaining)
	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "RX010", le.PrescriptionID)
	remaining, _ := f.refills(t, "RX010")
	assert.Zero(t, remaining)
	assert.EqualValues(t, 50, f.stock(t, "M003"))
}

func TestFailingLaterLineRollsBackEarlierLines(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Commit(context.Background(),
		cartOf(t, walkIn("M001", 3, "5.00"), fill("RX010", "P001", "M003", 1, "2.50")),
		Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, domain.ErrNoRefillsRemaining)
	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 1, le.Index)
	assert.EqualValues(t, 10, f.stock(t, "M001"))
	assert.Zero(t, f.count(t, "sales"))
	assert.Zero(t, f.count(t, "sale_items"))
	assert.Zero(t, f.count(t, "outbox_events"))
}

func TestPrescriptionFillConsumesRefillAndStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Commit(ctx,
		cartOf(t, fill("RX011", "P001", "M003", 1, "2.50"), walkIn("M001", 1, "5.00")),
		Payer{PatientID: "P001"}, "bob")
	require.NoError(t, err)

	remaining, status := f.refills(t, "RX011")
	assert.Zero(t, remaining)
	assert.Equal(t, domain.PrescriptionExhausted, status)
	assert.EqualValues(t, 49, f.stock(t, "M003"))

	r, err := sales.New(f.db).Receipt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "P001", r.PayerRef)
	assert.Equal(t, "7.50", r.Total.StringFixed(2))
	require.NotNil(t, r.Lines[0].PrescriptionID)
	assert.Equal(t, "RX011", *r.Lines[0].PrescriptionID)
}

func TestTotalMatchesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Commit(ctx,
		cartOf(t, walkIn("M001", 3, "4.99"), walkIn("M003", 7, "0.33"), walkIn("M001", 1, "5.00")),
		Payer{}, "alice")
	require.NoError(t, err)

	r, err := sales.New(f.db).Receipt(ctx, id)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
	}
	assert.True(t, sum.Equal(r.Total), "sum %s total %s", sum, r.Total)
	assert.Equal(t, "22.28", r.Total.StringFixed(2))
}

func TestRepeatedMedicationIsFirstComeFirstServed(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Commit(context.Background(),
		cartOf(t, walkIn("M001", 6, "5.00"), walkIn("M001", 6, "5.00")),
		Payer{}, "alice")

	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 1, le.Index)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.EqualValues(t, 10, f.stock(t, "M001"))
}

func TestSamePrescriptionTwiceNeedsTwoRefills(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Commit(context.Background(),
		cartOf(t, fill("RX011", "P001", "M003", 1, "2.50"), fill("RX011", "P001", "M003", 1, "2.50")),
		Payer{PatientID: "P001"}, "alice")

	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 1, le.Index)
	assert.ErrorIs(t, err, domain.ErrNoRefillsRemaining)
	remaining, _ := f.refills(t, "RX011")
	assert.EqualValues(t, 1, remaining)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		lines []cart.Line
		payer Payer
		want  error
	}{
		{"zero quantity", []cart.Line{walkIn("M001", 0, "5.00")}, Payer{}, domain.ErrInvalidInput},
		{"unknown medication", []cart.Line{walkIn("M404", 1, "5.00")}, Payer{}, domain.ErrNotFound},
		{"unknown prescription", []cart.Line{fill("RX404", "P001", "M003", 1, "2.50")}, Payer{PatientID: "P001"}, domain.ErrNotFound},
		{"unknown payer", []cart.Line{walkIn("M001", 1, "5.00")}, Payer{PatientID: "P404"}, domain.ErrNotFound},
		{"prescription for another payer", []cart.Line{fill("RX011", "P001", "M003", 1, "2.50")}, Payer{PatientID: "P002"}, domain.ErrInvalidInput},
		{"prescription quantity changed", []cart.Line{fill("RX012", "P001", "M001", 5, "5.00")}, Payer{PatientID: "P001"}, domain.ErrInvalidInput},
		{"hospital line for walk-in", []cart.Line{{MedicationID: "M001", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00"), Source: cart.HospitalDirect{PatientID: "P001"}}}, Payer{}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Commit(ctx, cartOf(t, tt.lines...), tt.payer, "alice")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.engine.Commit(ctx, cart.New(), Payer{}, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.engine.Commit(ctx, cartOf(t, walkIn("M001", 1, "5.00")), Payer{}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.EqualValues(t, 10, f.stock(t, "M001"))
	assert.Zero(t, f.count(t, "sales"))
}

func TestInactiveMedicationCannotBeSold(t *testing.T) {
	f := newFixture(t)
	testdb.Exec(t, f.db, `UPDATE medications SET is_active = 0 WHERE id = 'M001'`)

	_, err := f.engine.Commit(context.Background(), cartOf(t, walkIn("M001", 1, "5.00")), Payer{}, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHospitalDispense(t *testing.T) {
	f := newFixture(t)
	line := cart.NewHospitalLine("P002", domain.CatalogItem{MedicationID: "M002", GenericName: "Ibuprofen", BrandName: "Advil", UnitPrice: decimal.RequireFromString("3.00")}, 2)

	_, err := f.engine.Commit(context.Background(), cartOf(t, line), Payer{PatientID: "P002"}, "alice")
	require.NoError(t, err)
	assert.Zero(t, f.stock(t, "M002"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.UnitsDispensed.WithLabelValues("hospital")))
}

func TestFrozenUnitPriceIsCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testdb.Exec(t, f.db, `UPDATE inventory SET unit_price = '9.99' WHERE medication_id = 'M001'`)

	id, err := f.engine.Commit(ctx, cartOf(t, walkIn("M001", 2, "5.00")), Payer{}, "alice")
	require.NoError(t, err)

	r, err := sales.New(f.db).Receipt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.00", r.Total.StringFixed(2))
}

func TestCommitConflictRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.afterValidate = func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE inventory SET quantity = 1 WHERE medication_id = 'M003'`)
		return err
	}

	_, err := f.engine.Commit(context.Background(),
		cartOf(t, fill("RX011", "P001", "M003", 1, "2.50"), walkIn("M003", 5, "2.50")),
		Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, domain.ErrCommitConflict)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 1, le.Index)

	assert.EqualValues(t, 50, f.stock(t, "M003"))
	remaining, status := f.refills(t, "RX011")
	assert.EqualValues(t, 1, remaining)
	assert.Equal(t, domain.PrescriptionActive, status)
	assert.Zero(t, f.count(t, "sales"))
	assert.Zero(t, f.count(t, "sale_items"))
	assert.Zero(t, f.count(t, "outbox_events"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeConflict)))
}

func TestRefillConflictRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.afterValidate = func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE prescriptions SET refills_remaining = 0 WHERE id = 'RX011'`)
		return err
	}

	_, err := f.engine.Commit(context.Background(), cartOf(t, fill("RX011", "P001", "M003", 1, "2.50")), Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, domain.ErrCommitConflict)
	assert.ErrorIs(t, err, domain.ErrNoRefillsRemaining)
	assert.EqualValues(t, 50, f.stock(t, "M003"))
	remaining, _ := f.refills(t, "RX011")
	assert.EqualValues(t, 1, remaining)
}

func (f *fixture) assertUntouched(t *testing.T) {
	t.Helper()
	assert.EqualValues(t, 10, f.stock(t, "M001"))
	assert.EqualValues(t, 50, f.stock(t, "M003"))
	remaining, status := f.refills(t, "RX011")
	assert.EqualValues(t, 1, remaining)
	assert.Equal(t, domain.PrescriptionActive, status)
	assert.Zero(t, f.count(t, "sales"))
	assert.Zero(t, f.count(t, "sale_items"))
	assert.Zero(t, f.count(t, "outbox_events"))
}

func TestTimedOutCommitLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.engine.timeout = 50 * time.Millisecond
	f.engine.afterValidate = func(ctx context.Context, tx *sqlx.Tx) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	_, err := f.engine.Commit(context.Background(),
		cartOf(t, fill("RX011", "P001", "M003", 1, "2.50"), walkIn("M001", 2, "5.00")),
		Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	f.assertUntouched(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CheckoutTotal.WithLabelValues(metrics.OutcomeError)))
}

func TestCancelledCommitLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.afterValidate = func(context.Context, *sqlx.Tx) error {
		cancel()
		return nil
	}

	_, err := f.engine.Commit(ctx,
		cartOf(t, fill("RX011", "P001", "M003", 1, "2.50"), walkIn("M001", 2, "5.00")),
		Payer{PatientID: "P001"}, "alice")

	require.ErrorIs(t, err, context.Canceled)
	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 0, le.Index)
	f.assertUntouched(t)
}

func TestStoredTotalReconcilesWithItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, cart.New().Add(walkIn("M003", 3, "0.125")), domain.ErrInvalidInput)

	id, err := f.engine.Commit(ctx, cartOf(t, walkIn("M003", 3, "0.13"), walkIn("M001", 1, "0.01"), walkIn("M002", 1, "0.01")), Payer{}, "alice")
	require.NoError(t, err)

	r, err := sales.New(f.db).Receipt(ctx, id)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity)))
	}
	assert.Equal(t, "0.41", r.Total.StringFixed(2))
	assert.True(t, sum.Equal(r.Total), "stored total %s, items sum to %s", r.Total, sum)

	pending, err := outbox.Pending(ctx, f.db, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, string(pending[0].Payload), `"total":"0.41"`)
}

func TestCommitWritesOutboxEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Commit(ctx, cartOf(t, walkIn("M001", 1, "5.00")), Payer{}, "alice")
	require.NoError(t, err)

	pending, err := outbox.Pending(ctx, f.db, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, outbox.EventSaleCommitted, pending[0].EventType)
	assert.Equal(t, outbox.AggregateSale, pending[0].AggregateType)
	assert.Equal(t, strconv.FormatInt(id, 10), pending[0].AggregateID)
	assert.Contains(t, string(pending[0].Payload), `"cashier":"alice"`)
}

func TestConcurrentLastUnit(t *testing.T) {
	f := newFixture(t)
	testdb.Exec(t, f.db, `UPDATE inventory SET quantity = 1 WHERE medication_id = 'M002'`)

	errs := commitConcurrently(f, 2, func() (*cart.Cart, Payer) {
		return cartOf(t, walkIn("M002", 1, "3.00")), Payer{}
	})

	assertOneWinner(t, errs, domain.ErrInsufficientStock)
	assert.Zero(t, f.stock(t, "M002"))
	assert.Equal(t, 1, f.count(t, "sales"))
}

func TestConcurrentLastRefill(t *testing.T) {
	f := newFixture(t)

	errs := commitConcurrently(f, 2, func() (*cart.Cart, Payer) {
		return cartOf(t, fill("RX011", "P001", "M003", 1, "2.50")), Payer{PatientID: "P001"}
	})

	assertOneWinner(t, errs, domain.ErrNoRefillsRemaining)
	remaining, status := f.refills(t, "RX011")
	assert.Zero(t, remaining)
	assert.Equal(t, domain.PrescriptionExhausted, status)
}

func commitConcurrently(f *fixture, n int, build func() (*cart.Cart, Payer)) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		c, payer := build()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.Commit(context.Background(), c, payer, "alice")
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func assertOneWinner(t *testing.T, errs []error, loss error) {
	t.Helper()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, loss)
	}
	assert.Equal(t, 1, wins)
}
