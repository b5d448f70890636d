// Package store defines the persistence contract for prescriptions and the
// medicine catalog, with an in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
)

// FilterKind selects which prescriptions List returns
type FilterKind string

const (
	FilterAll       FilterKind = "all"
	FilterByDoctor  FilterKind = "byDoctor"
	FilterByPatient FilterKind = "byPatient"
)

// Filter narrows List results
type Filter struct {
	Kind FilterKind
	ID   string
}

// Matches reports whether p passes the filter
func (f Filter) Matches(p *prescription.Prescription) bool {
	switch f.Kind {
	case FilterByDoctor:
		return p.DoctorID == f.ID
	case FilterByPatient:
		return p.PatientID == f.ID
	default:
		return true
	}
}

// Dispensation describes a ledger-approved dispensation to commit
type Dispensation struct {
	UIToken string
	At      time.Time
}

// Prescriptions persists prescription entities and the UI -> ledger token mapping.
// Every mutating call takes an optional event that the implementation records
// together with the change.
type Prescriptions interface {
	Insert(ctx context.Context, p *prescription.Prescription, evt *prescription.Event) error
	Get(ctx context.Context, uiToken string) (*prescription.Prescription, error)
	TokenExists(ctx context.Context, uiToken string) (bool, error)
	LedgerToken(ctx context.Context, uiToken string) (string, error)
	Anchor(ctx context.Context, uiToken string, a *prescription.Anchoring, evt *prescription.Event) (*prescription.Prescription, error)
	// CommitDispensation applies the dispensed transition and decrements the
	// catalog for every line under one serialization boundary.
	CommitDispensation(ctx context.Context, d Dispensation, evt *prescription.Event) (*prescription.Prescription, error)
	List(ctx context.Context, f Filter) ([]*prescription.Prescription, error)
}

// Catalog persists medicine stock
type Catalog interface {
	GetMedicine(ctx context.Context, id string) (*prescription.Medicine, error)
	ListMedicines(ctx context.Context) ([]*prescription.Medicine, error)
	UpsertMedicine(ctx context.Context, m *prescription.Medicine) error
}

// Store is the full persistence contract used by the lifecycle service
type Store interface {
	Prescriptions
	Catalog
	Ping(ctx context.Context) error
}

// EventSink receives events recorded by the in-memory store
type EventSink interface {
	Publish(ctx context.Context, evt *prescription.Event) error
}
