// Package cart holds the lines an operator has picked but not yet paid for.
//
// A Cart belongs to one operator session and is never shared, so it does no locking.
// Stock and refill availability are not checked here; checkout re-validates every line
// against current state because the snapshot taken when a line was added may be stale.
package cart

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pharmacypos/m/domain"
)

// Source says where a line came from. Its concrete types are WalkIn,
// PrescriptionFulfillment and HospitalDirect.
type Source interface {
	Kind() string
	source()
}

// WalkIn is an over-the-counter sale with no patient attached.
type WalkIn struct{}

// PrescriptionFulfillment dispenses one fill of a patient's prescription.
type PrescriptionFulfillment struct {
	PrescriptionID string
	PatientID      string
}

// HospitalDirect dispenses to a known patient without a prescription.
type HospitalDirect struct {
	PatientID string
}

func (WalkIn) Kind() string                  { return "walk_in" }
func (PrescriptionFulfillment) Kind() string { return "prescription" }
func (HospitalDirect) Kind() string          { return "hospital" }

func (WalkIn) source()                  {}
func (PrescriptionFulfillment) source() {}
func (HospitalDirect) source()          {}

// Line is one pending item. DisplayName and UnitPrice are snapshots taken when the line was
// added; the unit price is what the customer is charged.
type Line struct {
	MedicationID string
	DisplayName  string
	Quantity     int64
	UnitPrice    decimal.Decimal
	Source       Source
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// NewWalkInLine prices quantity units of a catalog item.
func NewWalkInLine(item domain.CatalogItem, quantity int64) Line {
	return Line{
		MedicationID: item.MedicationID,
		DisplayName:  item.DisplayName(),
		Quantity:     quantity,
		UnitPrice:    item.UnitPrice,
		Source:       WalkIn{},
	}
}

// NewHospitalLine prices quantity units of a catalog item dispensed to a patient.
func NewHospitalLine(patientID string, item domain.CatalogItem, quantity int64) Line {
	return Line{
		MedicationID: item.MedicationID,
		DisplayName:  item.DisplayName(),
		Quantity:     quantity,
		UnitPrice:    item.UnitPrice,
		Source:       HospitalDirect{PatientID: patientID},
	}
}

// NewPrescriptionLine prices one fill of rx. The quantity is the prescription's quantity per fill.
func NewPrescriptionLine(rx domain.Prescription, item domain.CatalogItem) Line {
	return Line{
		MedicationID: rx.MedicationID,
		DisplayName:  item.DisplayName(),
		Quantity:     rx.Quantity,
		UnitPrice:    item.UnitPrice,
		Source:       PrescriptionFulfillment{PrescriptionID: rx.ID, PatientID: rx.PatientID},
	}
}

type Cart struct {
	lines []Line
}

func New() *Cart {
	return &Cart{}
}

// Add appends a line. Only the shape of the line is checked.
func (c *Cart) Add(line Line) error {
	if line.Quantity < 0 {
		return fmt.Errorf("quantity %d is negative: %w", line.Quantity, domain.ErrInvalidInput)
	}
	if line.UnitPrice.IsNegative() {
		return fmt.Errorf("unit price %s is negative: %w", line.UnitPrice, domain.ErrInvalidInput)
	}
	if !domain.IsWholeCents(line.UnitPrice) {
		return fmt.Errorf("unit price %s has fractional cents: %w", line.UnitPrice, domain.ErrInvalidInput)
	}
	if line.MedicationID == "" || line.Source == nil {
		return fmt.Errorf("line needs a medication and a source: %w", domain.ErrInvalidInput)
	}
	c.lines = append(c.lines, line)
	return nil
}

// Remove deletes the line at index, shifting later lines up.
func (c *Cart) Remove(index int) error {
	if index < 0 || index >= len(c.lines) {
		return fmt.Errorf("no line at index %d: %w", index, domain.ErrInvalidInput)
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

// Lines returns a copy of the lines in cart order.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.Total())
	}
	return total
}

func (c *Cart) Clear() {
	c.lines = nil
}
