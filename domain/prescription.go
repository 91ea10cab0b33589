package domain

import "time"

type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "Active"
	PrescriptionExhausted PrescriptionStatus = "Exhausted"
	PrescriptionCancelled PrescriptionStatus = "Cancelled"
)

type Prescription struct {
	ID                string             `db:"id" json:"id"`
	PatientID         string             `db:"patient_id" json:"patient_id"`
	MedicationID      string             `db:"medication_id" json:"medication_id"`
	Dosage            string             `db:"dosage" json:"dosage"`
	Quantity          int64              `db:"quantity" json:"quantity"`
	DaysSupply        int64              `db:"days_supply" json:"days_supply"`
	RefillsAuthorized int64              `db:"refills_authorized" json:"refills_authorized"`
	RefillsRemaining  int64              `db:"refills_remaining" json:"refills_remaining"`
	Instructions      string             `db:"instructions" json:"instructions"`
	Status            PrescriptionStatus `db:"status" json:"status"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
}
