// Package prescription implements the prescription entity and its dispensation state machine.
package prescription

import (
	"fmt"
	"strings"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusActive    Status = "active"
	StatusDispensed Status = "dispensed"
	StatusExpired   Status = "expired"
	StatusLocked    Status = "locked"
)

// DoseInterval is how often a dose may be taken
type DoseInterval string

const (
	IntervalDaily   DoseInterval = "daily"
	IntervalWeekly  DoseInterval = "weekly"
	IntervalMonthly DoseInterval = "monthly"
	IntervalOneTime DoseInterval = "one-time"
)

// Valid reports whether the interval is one of the known values
func (d DoseInterval) Valid() bool {
	switch d {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalOneTime:
		return true
	}
	return false
}

// Seconds maps the interval onto the ledger's fixed-width interval field.
// A month is approximated as 30 days.
func (d DoseInterval) Seconds() uint64 {
	switch d {
	case IntervalDaily:
		return 86400
	case IntervalWeekly:
		return 604800
	case IntervalMonthly:
		return 2592000
	default:
		return 0
	}
}

// Line is a single medicine on a prescription
type Line struct {
	MedicineID string `json:"medicine_id"`
	Quantity   int    `json:"quantity"`
	Dosage     string `json:"dosage"`
}

// Anchoring records where a prescription was committed on the ledger
type Anchoring struct {
	TxHash     string    `json:"tx_hash"`
	Address    string    `json:"address,omitempty"`
	Path       string    `json:"path"`
	// Drug is the name anchored on the ledger, fixed at creation
	Drug       string    `json:"drug,omitempty"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Prescription is the stored prescription entity. Status holds only the
// persisted states (active, dispensed); locked and expired are derived by StatusAt.
type Prescription struct {
	ID             string       `json:"id"`
	UIToken        string       `json:"ui_token"`
	LedgerToken    string       `json:"ledger_token,omitempty"`
	PatientID      string       `json:"patient_id"`
	PatientName    string       `json:"patient_name"`
	PatientAge     int          `json:"patient_age"`
	DoctorID       string       `json:"doctor_id"`
	DoctorName     string       `json:"doctor_name"`
	Disease        string       `json:"disease"`
	Medicines      []Line       `json:"medicines"`
	DoseInterval   DoseInterval `json:"dose_interval"`
	DoseValidity   time.Time    `json:"dose_validity"`
	CreatedAt      time.Time    `json:"created_at"`
	LockDates      []Date       `json:"lock_dates,omitempty"`
	Status         Status       `json:"status"`
	NextValidDose  *time.Time   `json:"next_valid_dose"`
	DispensedDates []time.Time  `json:"dispensed_dates"`
	Anchoring      *Anchoring   `json:"anchoring,omitempty"`
}

// Validate checks the structural invariants of a new prescription
func (p *Prescription) Validate() error {
	var problems []string
	if strings.TrimSpace(p.PatientID) == "" {
		problems = append(problems, "patient id is required")
	}
	if strings.TrimSpace(p.DoctorID) == "" {
		problems = append(problems, "doctor id is required")
	}
	if len(p.Medicines) == 0 {
		problems = append(problems, "at least one medicine is required")
	}
	for i, l := range p.Medicines {
		if strings.TrimSpace(l.MedicineID) == "" {
			problems = append(problems, fmt.Sprintf("medicines[%d]: medicine id is required", i))
		}
		if l.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("medicines[%d]: quantity must be positive", i))
		}
	}
	if !p.DoseInterval.Valid() {
		problems = append(problems, fmt.Sprintf("unknown dose interval %q", p.DoseInterval))
	}
	if p.DoseValidity.IsZero() {
		problems = append(problems, "dose validity is required")
	}
	if p.PatientAge < 0 {
		problems = append(problems, "patient age must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with a store
func (p *Prescription) Clone() *Prescription {
	if p == nil {
		return nil
	}
	c := *p
	c.Medicines = append([]Line(nil), p.Medicines...)
	c.LockDates = append([]Date(nil), p.LockDates...)
	c.DispensedDates = append([]time.Time(nil), p.DispensedDates...)
	if p.NextValidDose != nil {
		t := *p.NextValidDose
		c.NextValidDose = &t
	}
	if p.Anchoring != nil {
		a := *p.Anchoring
		c.Anchoring = &a
	}
	return &c
}

// NormalizeToken trims incidental whitespace from scanned tokens and upper-cases them
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
