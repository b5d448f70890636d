package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
)

// Memory is a process-local Store. All state lives behind one mutex so a
// dispensation and its catalog decrement are applied together.
type Memory struct {
	mu            sync.RWMutex
	prescriptions map[string]*prescription.Prescription
	ledgerTokens  map[string]string
	order         []string
	medicines     map[string]*prescription.Medicine

	sink   EventSink
	logger *zap.Logger
}

// NewMemory creates an empty in-memory store. sink may be nil.
func NewMemory(sink EventSink, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		prescriptions: make(map[string]*prescription.Prescription),
		ledgerTokens:  make(map[string]string),
		medicines:     make(map[string]*prescription.Medicine),
		sink:          sink,
		logger:        logger,
	}
}

// Insert stores a new prescription
func (m *Memory) Insert(ctx context.Context, p *prescription.Prescription, evt *prescription.Event) error {
	m.mu.Lock()
	if _, ok := m.prescriptions[p.UIToken]; ok {
		m.mu.Unlock()
		return prescription.ErrDuplicateToken
	}
	m.prescriptions[p.UIToken] = p.Clone()
	m.ledgerTokens[p.UIToken] = p.LedgerToken
	m.order = append(m.order, p.UIToken)
	m.mu.Unlock()

	m.emit(ctx, evt)
	return nil
}

// Get returns a copy of the prescription
func (m *Memory) Get(ctx context.Context, uiToken string) (*prescription.Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prescriptions[uiToken]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return p.Clone(), nil
}

// TokenExists reports whether the UI token is issued
func (m *Memory) TokenExists(ctx context.Context, uiToken string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.prescriptions[uiToken]
	return ok, nil
}

// LedgerToken resolves the ledger token mapped to a UI token
func (m *Memory) LedgerToken(ctx context.Context, uiToken string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lt, ok := m.ledgerTokens[uiToken]
	if !ok {
		return "", prescription.ErrNotFound
	}
	return lt, nil
}

// Anchor attaches a ledger anchoring record
func (m *Memory) Anchor(ctx context.Context, uiToken string, a *prescription.Anchoring, evt *prescription.Event) (*prescription.Prescription, error) {
	m.mu.Lock()
	p, ok := m.prescriptions[uiToken]
	if !ok {
		m.mu.Unlock()
		return nil, prescription.ErrNotFound
	}
	anchoring := *a
	p.Anchoring = &anchoring
	out := p.Clone()
	m.mu.Unlock()

	m.emit(ctx, evt)
	return out, nil
}

// CommitDispensation applies the transition and inventory change atomically
func (m *Memory) CommitDispensation(ctx context.Context, d Dispensation, evt *prescription.Event) (*prescription.Prescription, error) {
	m.mu.Lock()
	p, ok := m.prescriptions[d.UIToken]
	if !ok {
		m.mu.Unlock()
		return nil, prescription.ErrNotFound
	}
	if err := p.MarkDispensed(d.At); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	for _, line := range p.Medicines {
		med, ok := m.medicines[line.MedicineID]
		if !ok {
			m.logger.Warn("dispensed medicine missing from catalog",
				zap.String("token", d.UIToken),
				zap.String("medicine_id", line.MedicineID))
			continue
		}
		med.Decrement(line.Quantity)
	}
	out := p.Clone()
	m.mu.Unlock()

	m.emit(ctx, evt)
	return out, nil
}

// List returns prescriptions in issue order
func (m *Memory) List(ctx context.Context, f Filter) ([]*prescription.Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*prescription.Prescription, 0, len(m.order))
	for _, tok := range m.order {
		p := m.prescriptions[tok]
		if f.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// GetMedicine returns a copy of a catalog entry
func (m *Memory) GetMedicine(ctx context.Context, id string) (*prescription.Medicine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	med, ok := m.medicines[id]
	if !ok {
		return nil, prescription.ErrMedicineNotFound
	}
	c := *med
	return &c, nil
}

// ListMedicines returns the catalog sorted by ID
func (m *Memory) ListMedicines(ctx context.Context) ([]*prescription.Medicine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*prescription.Medicine, 0, len(m.medicines))
	for _, med := range m.medicines {
		c := *med
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertMedicine creates or replaces a catalog entry
func (m *Memory) UpsertMedicine(ctx context.Context, med *prescription.Medicine) error {
	c := *med
	if err := c.SetQuantity(c.Quantity); err != nil {
		return err
	}
	m.mu.Lock()
	m.medicines[c.ID] = &c
	m.mu.Unlock()
	return nil
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) emit(ctx context.Context, evt *prescription.Event) {
	if evt == nil || m.sink == nil {
		return
	}
	if err := m.sink.Publish(ctx, evt); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", string(evt.EventType)),
			zap.String("aggregate_id", evt.AggregateID),
			zap.Error(err))
	}
}
