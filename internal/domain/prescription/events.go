package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionAnchored  EventType = "PrescriptionAnchored"
	EventPrescriptionDispensed EventType = "PrescriptionDispensed"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	DoctorID      string          `json:"doctor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event keyed by the prescription's UI token
func NewEvent(uiToken string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   uiToken,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithParties sets the doctor and patient on the event envelope
func (e *Event) WithParties(p *Prescription) *Event {
	e.DoctorID = p.DoctorID
	e.PatientID = p.PatientID
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// CreatedData is the PrescriptionCreated payload
type CreatedData struct {
	UIToken      string       `json:"ui_token"`
	LedgerToken  string       `json:"ledger_token"`
	Disease      string       `json:"disease"`
	Medicines    []Line       `json:"medicines"`
	DoseInterval DoseInterval `json:"dose_interval"`
	DoseValidity time.Time    `json:"dose_validity"`
	CreatedAt    time.Time    `json:"created_at"`
}

// AnchoredData is the PrescriptionAnchored payload
type AnchoredData struct {
	UIToken     string    `json:"ui_token"`
	LedgerToken string    `json:"ledger_token"`
	TxHash      string    `json:"tx_hash"`
	Path        string    `json:"path"`
	Address     string    `json:"address,omitempty"`
	Drug        string    `json:"drug,omitempty"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

// DispensedData is the PrescriptionDispensed payload
type DispensedData struct {
	UIToken     string    `json:"ui_token"`
	LedgerToken string    `json:"ledger_token"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Path        string    `json:"path,omitempty"`
	Unanchored  bool      `json:"unanchored,omitempty"`
	// Drug is the anchored drug name, empty when never anchored
	Drug        string    `json:"drug,omitempty"`
	Medicines   []Line    `json:"medicines"`
	DispensedAt time.Time `json:"dispensed_at"`
}

// CreatedEvent builds the PrescriptionCreated event for p
func CreatedEvent(p *Prescription) (*Event, error) {
	e, err := NewEvent(p.UIToken, EventPrescriptionCreated, &CreatedData{
		UIToken:      p.UIToken,
		LedgerToken:  p.LedgerToken,
		Disease:      p.Disease,
		Medicines:    p.Medicines,
		DoseInterval: p.DoseInterval,
		DoseValidity: p.DoseValidity,
		CreatedAt:    p.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return e.WithParties(p), nil
}

// AnchoredEvent builds the PrescriptionAnchored event for p
func AnchoredEvent(p *Prescription, a *Anchoring) (*Event, error) {
	e, err := NewEvent(p.UIToken, EventPrescriptionAnchored, &AnchoredData{
		UIToken:     p.UIToken,
		LedgerToken: p.LedgerToken,
		TxHash:      a.TxHash,
		Path:        a.Path,
		Address:     a.Address,
		Drug:        a.Drug,
		AnchoredAt:  a.AnchoredAt,
	})
	if err != nil {
		return nil, err
	}
	return e.WithParties(p), nil
}

// DispensedEvent builds the PrescriptionDispensed event for p. txHash is empty
// when the dispensation was committed without the ledger.
func DispensedEvent(p *Prescription, txHash, path string, at time.Time) (*Event, error) {
	data := &DispensedData{
		UIToken:     p.UIToken,
		LedgerToken: p.LedgerToken,
		TxHash:      txHash,
		Path:        path,
		Unanchored:  txHash == "",
		Medicines:   p.Medicines,
		DispensedAt: at,
	}
	if p.Anchoring != nil {
		data.Drug = p.Anchoring.Drug
	}
	e, err := NewEvent(p.UIToken, EventPrescriptionDispensed, data)
	if err != nil {
		return nil, err
	}
	return e.WithParties(p), nil
}
