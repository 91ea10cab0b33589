package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pharmacypos/m/domain"
	"pharmacypos/m/internal/cart"
	"pharmacypos/m/internal/database"
	"pharmacypos/m/internal/inventory"
	"pharmacypos/m/internal/migrations"
	"pharmacypos/m/internal/patients"
	"pharmacypos/m/internal/prescriptions"
)

var failures = map[string]error{
	"NotFound":           domain.ErrNotFound,
	"InsufficientStock":  domain.ErrInsufficientStock,
	"NoRefillsRemaining": domain.ErrNoRefillsRemaining,
	"CommitConflict":     domain.ErrCommitConflict,
	"InvalidInput":       domain.ErrInvalidInput,
}

type checkoutTestContext struct {
	db     *sqlx.DB
	engine *Engine
	cart   *cart.Cart
	payer  Payer
	saleID int64
	err    error
	errs   []error
}

func (c *checkoutTestContext) reset() error {
	db, err := database.Connect("sqlite", ":memory:?_time_format=sqlite", 1)
	if err != nil {
		return err
	}
	if err := migrations.Run(db); err != nil {
		return err
	}
	*c = checkoutTestContext{
		db:     db,
		engine: New(db, nil, zap.NewNop(), time.Second),
		cart:   cart.New(),
	}
	return nil
}

func (c *checkoutTestContext) medicationHasUnitsInStock(id string, qty int) error {
	ctx := context.Background()
	store := inventory.New(c.db)
	if err := store.UpsertMedication(ctx, id, "Generic "+id, "Brand "+id); err != nil {
		return err
	}
	price := decimal.Zero
	if rec, err := store.Get(ctx, id); err == nil {
		price = rec.UnitPrice
	}
	return store.UpsertInventory(ctx, id, int64(qty), price)
}

func (c *checkoutTestContext) patientIsRegistered(id string) error {
	return patients.New(c.db).Upsert(context.Background(), domain.Patient{ID: id, FirstName: "Patient", LastName: id, Active: true})
}

func (c *checkoutTestContext) prescriptionDispenses(rxID, patientID string, qty int, medicationID string, refills int) error {
	_, err := c.db.Exec(`INSERT INTO prescriptions (id, patient_id, medication_id, dosage, quantity, days_supply, refills_authorized, refills_remaining, status, created_at)
                VALUES (?, ?, ?, '1 tablet', ?, 30, ?, ?, ?, ?)`,
		rxID, patientID, medicationID, qty, refills+1, refills, domain.PrescriptionActive, time.Now().UTC())
	return err
}

func (c *checkoutTestContext) thePayerIsPatient(id string) error {
	c.payer = Payer{PatientID: id}
	return nil
}

func (c *checkoutTestContext) aWalkInLine(qty int, medicationID, price string) error {
	return c.cart.Add(cart.Line{
		MedicationID: medicationID,
		Quantity:     int64(qty),
		UnitPrice:    decimal.RequireFromString(price),
		Source:       cart.WalkIn{},
	})
}

func (c *checkoutTestContext) aPrescriptionLine(rxID, price string) error {
	rx, err := prescriptions.New(c.db).Get(context.Background(), rxID)
	if err != nil {
		return err
	}
	return c.cart.Add(cart.NewPrescriptionLine(rx, domain.CatalogItem{MedicationID: rx.MedicationID, UnitPrice: decimal.RequireFromString(price)}))
}

func (c *checkoutTestContext) theCartIsCheckedOutBy(cashier string) error {
	c.saleID, c.err = c.engine.Commit(context.Background(), c.cart, c.payer, cashier)
	return nil
}

func (c *checkoutTestContext) race(build func() (*cart.Cart, Payer, error)) error {
	carts := make([]*cart.Cart, 2)
	payers := make([]Payer, 2)
	for i := range carts {
		cc, p, err := build()
		if err != nil {
			return err
		}
		carts[i], payers[i] = cc, p
	}

	c.errs = make([]error, 2)
	var wg sync.WaitGroup
	for i := range carts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c.errs[i] = c.engine.Commit(context.Background(), carts[i], payers[i], fmt.Sprintf("cashier-%d", i))
		}(i)
	}
	wg.Wait()
	return nil
}

func (c *checkoutTestContext) twoCashiersConcurrentlySell(qty int, medicationID string) error {
	return c.race(func() (*cart.Cart, Payer, error) {
		cc := cart.New()
		err := cc.Add(cart.Line{MedicationID: medicationID, Quantity: int64(qty), UnitPrice: decimal.RequireFromString("1.00"), Source: cart.WalkIn{}})
		return cc, Payer{}, err
	})
}

func (c *checkoutTestContext) twoCashiersConcurrentlyFill(rxID string) error {
	rx, err := prescriptions.New(c.db).Get(context.Background(), rxID)
	if err != nil {
		return err
	}
	return c.race(func() (*cart.Cart, Payer, error) {
		cc := cart.New()
		err := cc.Add(cart.NewPrescriptionLine(rx, domain.CatalogItem{MedicationID: rx.MedicationID, UnitPrice: decimal.RequireFromString("1.00")}))
		return cc, Payer{PatientID: rx.PatientID}, err
	})
}

func (c *checkoutTestContext) theSaleIsCommittedWithTotal(total string) error {
	if c.err != nil {
		return fmt.Errorf("expected a sale, got %v", c.err)
	}
	var got decimal.Decimal
	if err := c.db.Get(&got, `SELECT total FROM sales WHERE id = ?`, c.saleID); err != nil {
		return err
	}
	if !got.Equal(decimal.RequireFromString(total)) {
		return fmt.Errorf("expected total %s, got %s", total, got)
	}
	return nil
}

func (c *checkoutTestContext) theCheckoutFailsWithOnLine(reason string, index int) error {
	want, ok := failures[reason]
	if !ok {
		return fmt.Errorf("unknown failure %q", reason)
	}
	if !errors.Is(c.err, want) {
		return fmt.Errorf("expected %s, got %v", reason, c.err)
	}
	var le *LineError
	if !errors.As(c.err, &le) {
		return fmt.Errorf("expected a line error, got %v", c.err)
	}
	if le.Index != index {
		return fmt.Errorf("expected failure on line %d, got line %d", index, le.Index)
	}
	return nil
}

func (c *checkoutTestContext) medicationHasUnits(medicationID string, qty int) error {
	var got int64
	if err := c.db.Get(&got, `SELECT quantity FROM inventory WHERE medication_id = ?`, medicationID); err != nil {
		return err
	}
	if got != int64(qty) {
		return fmt.Errorf("expected %d units of %s, got %d", qty, medicationID, got)
	}
	return nil
}

func (c *checkoutTestContext) prescriptionHasRefillsRemaining(rxID string, refills int) error {
	got, err := prescriptions.New(c.db).RemainingRefills(context.Background(), rxID)
	if err != nil {
		return err
	}
	if got != int64(refills) {
		return fmt.Errorf("expected %d refills on %s, got %d", refills, rxID, got)
	}
	return nil
}

func (c *checkoutTestContext) noSaleIsRecorded() error {
	var n int
	if err := c.db.Get(&n, `SELECT COUNT(*) FROM sales`); err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("expected no sales, found %d", n)
	}
	return nil
}

func (c *checkoutTestContext) exactlyOneSucceeds(reason string) error {
	want, ok := failures[reason]
	if !ok {
		return fmt.Errorf("unknown failure %q", reason)
	}
	wins := 0
	for _, err := range c.errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, want):
			return fmt.Errorf("expected %s, got %v", reason, err)
		}
	}
	if wins != 1 {
		return fmt.Errorf("expected exactly one success, got %d", wins)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &checkoutTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		return ctx, tc.reset()
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if tc.db != nil {
			tc.db.Close()
		}
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^medication "([^"]*)" has (\d+) units? in stock$`, tc.medicationHasUnitsInStock)
	ctx.Step(`^patient "([^"]*)" is registered$`, tc.patientIsRegistered)
	ctx.Step(`^prescription "([^"]*)" for patient "([^"]*)" dispenses (\d+) of "([^"]*)" with (\d+) refills? remaining$`, tc.prescriptionDispenses)
	ctx.Step(`^the payer is patient "([^"]*)"$`, tc.thePayerIsPatient)
	ctx.Step(`^a walk-in line for (\d+) of "([^"]*)" at (\d+\.\d+)$`, tc.aWalkInLine)
	ctx.Step(`^a prescription line for "([^"]*)" at (\d+\.\d+)$`, tc.aPrescriptionLine)

	// When steps
	ctx.Step(`^the cart is checked out by "([^"]*)"$`, tc.theCartIsCheckedOutBy)
	ctx.Step(`^two cashiers concurrently sell (\d+) of "([^"]*)"$`, tc.twoCashiersConcurrentlySell)
	ctx.Step(`^two cashiers concurrently fill prescription "([^"]*)"$`, tc.twoCashiersConcurrentlyFill)

	// Then steps
	ctx.Step(`^the sale is committed with total (\d+\.\d+)$`, tc.theSaleIsCommittedWithTotal)
	ctx.Step(`^the checkout fails with "([^"]*)" on line (\d+)$`, tc.theCheckoutFailsWithOnLine)
	ctx.Step(`^"([^"]*)" has (\d+) units? in stock$`, tc.medicationHasUnits)
	ctx.Step(`^prescription "([^"]*)" has (\d+) refills? remaining$`, tc.prescriptionHasRefillsRemaining)
	ctx.Step(`^no sale is recorded$`, tc.noSaleIsRecorded)
	ctx.Step(`^exactly one checkout succeeds and the other fails with "([^"]*)"$`, tc.exactlyOneSucceeds)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
