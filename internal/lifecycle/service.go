// Package lifecycle orchestrates prescription issuance, lookup and dispensation
// across the token generator, the store and the ledger recorder.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/store"
	"github.com/drfirst/go-rxledger/internal/token"
)

// Recorder commits facts to the ledger
type Recorder interface {
	RecordCreation(ctx context.Context, fact ledger.CreationFact) (*ledger.Receipt, error)
	RecordDispensation(ctx context.Context, ledgerToken string) (*ledger.Receipt, error)
}

// Config holds service configuration
type Config struct {
	// Location is the canonical timezone lock dates are evaluated in
	Location *time.Location
	// LedgerOptional lets a dispensation proceed on local rules alone when
	// the ledger cannot be reached on either path
	LedgerOptional bool
}

// DefaultConfig returns the strict configuration evaluated in UTC
func DefaultConfig() Config {
	return Config{Location: time.UTC}
}

// CreateRequest is a new prescription as submitted by a prescriber
type CreateRequest struct {
	PatientID      string
	PatientName    string
	PatientAge     int
	PatientAddress string
	DoctorID       string
	DoctorName     string
	Disease        string
	Medicines      []prescription.Line
	DoseInterval   prescription.DoseInterval
	DoseValidity   time.Time
	LockDates      []prescription.Date
}

// CreateResult is the stored prescription. AnchorErr is set when the
// prescription was stored but could not be anchored on the ledger.
type CreateResult struct {
	Prescription *prescription.Prescription
	AnchorErr    error
}

// Anchored reports whether the creation reached the ledger
func (r *CreateResult) Anchored() bool {
	return r.Prescription != nil && r.Prescription.Anchoring != nil
}

// Service is the prescription lifecycle facade
type Service struct {
	store    store.Store
	recorder Recorder
	tokens   *token.Generator
	locks    *keyLock
	cfg      Config
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a lifecycle service. recorder may be nil, in which case
// nothing is anchored and dispensation requires LedgerOptional.
func NewService(st store.Store, recorder Recorder, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:    st,
		recorder: recorder,
		tokens:   token.NewGenerator(),
		locks:    newKeyLock(),
		cfg:      cfg,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("prescription-lifecycle"),
	}
}

// WithClock overrides the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTokens overrides the token generator
func (s *Service) WithTokens(g *token.Generator) *Service {
	s.tokens = g
	return s
}

// Location returns the canonical lock-date location
func (s *Service) Location() *time.Location { return s.cfg.Location }

// Now returns the service clock reading
func (s *Service) Now() time.Time { return s.now() }

// Create validates, stores and anchors a new prescription. Ledger failures do
// not fail the call; they are reported in CreateResult.AnchorErr.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("create", time.Since(start)) }()

	ctx, span := s.tracer.Start(ctx, "create_prescription")
	defer span.End()

	now := s.now().UTC()
	p := &prescription.Prescription{
		ID:            uuid.New().String(),
		PatientID:     req.PatientID,
		PatientName:   req.PatientName,
		PatientAge:    req.PatientAge,
		DoctorID:      req.DoctorID,
		DoctorName:    req.DoctorName,
		Disease:       req.Disease,
		Medicines:     append([]prescription.Line(nil), req.Medicines...),
		DoseInterval:  req.DoseInterval,
		DoseValidity:  req.DoseValidity,
		CreatedAt:     now,
		LockDates:     append([]prescription.Date(nil), req.LockDates...),
		Status:        prescription.StatusActive,
		NextValidDose: &now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	primary, err := s.checkCatalog(ctx, p.Medicines)
	if err != nil {
		return nil, err
	}

	if err := s.insert(ctx, p); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ui_token", p.UIToken))

	s.logger.Info("prescription created",
		zap.String("token", p.UIToken),
		zap.String("doctor_id", p.DoctorID),
		zap.Int("lines", len(p.Medicines)))

	result := &CreateResult{Prescription: p}
	result.Prescription, result.AnchorErr = s.anchor(ctx, p, req.PatientAddress, primary)
	if result.AnchorErr != nil {
		span.SetAttributes(attribute.Bool("anchored", false))
	}
	s.metrics.Created(result.Anchored())
	return result, nil
}

// insert mints tokens for p and stores it. A token taken between the
// existence check and the insert is re-minted.
func (s *Service) insert(ctx context.Context, p *prescription.Prescription) error {
	for attempt := 1; ; attempt++ {
		var err error
		if p.UIToken, err = s.tokens.MintUIToken(ctx, s.store.TokenExists); err != nil {
			return fmt.Errorf("mint ui token: %w", err)
		}
		if p.LedgerToken, err = s.tokens.MintLedgerToken(); err != nil {
			return fmt.Errorf("mint ledger token: %w", err)
		}
		evt, err := prescription.CreatedEvent(p)
		if err != nil {
			return fmt.Errorf("build event: %w", err)
		}

		err = s.store.Insert(ctx, p, evt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, prescription.ErrDuplicateToken) || attempt >= token.MaxAttempts {
			return fmt.Errorf("store prescription: %w", err)
		}
		s.logger.Warn("token collision on insert, minting again",
			zap.String("token", p.UIToken),
			zap.Int("attempt", attempt))
	}
}

// checkCatalog ensures every line names a catalog medicine and returns the first
func (s *Service) checkCatalog(ctx context.Context, lines []prescription.Line) (*prescription.Medicine, error) {
	var primary *prescription.Medicine
	for i, l := range lines {
		med, err := s.store.GetMedicine(ctx, l.MedicineID)
		if errors.Is(err, prescription.ErrMedicineNotFound) {
			return nil, fmt.Errorf("%w: medicines[%d]: %w", prescription.ErrValidation, i, err)
		}
		if err != nil {
			return nil, fmt.Errorf("load medicine %s: %w", l.MedicineID, err)
		}
		if primary == nil {
			primary = med
		}
	}
	return primary, nil
}

// anchor records the creation on the ledger and merges the anchoring. It
// always returns the latest known copy of p.
func (s *Service) anchor(ctx context.Context, p *prescription.Prescription, patientAddress string, primary *prescription.Medicine) (*prescription.Prescription, error) {
	if s.recorder == nil {
		return p, fmt.Errorf("%w: no ledger configured", ledger.ErrLedgerUnavailable)
	}

	first := p.Medicines[0]
	receipt, err := s.recorder.RecordCreation(ctx, ledger.CreationFact{
		LedgerToken:     p.LedgerToken,
		PatientAddress:  patientAddress,
		Disease:         p.Disease,
		Drug:            primary.Name,
		Quantity:        uint64(first.Quantity),
		IntervalSeconds: p.DoseInterval.Seconds(),
	})
	if err != nil {
		s.logger.Warn("prescription stored without ledger anchoring",
			zap.String("token", p.UIToken),
			zap.Error(err))
		return p, err
	}

	a := &prescription.Anchoring{
		TxHash:     receipt.TxHash,
		Address:    receipt.Address,
		Path:       string(receipt.Path),
		Drug:       primary.Name,
		AnchoredAt: s.now().UTC(),
	}
	evt, err := prescription.AnchoredEvent(p, a)
	if err != nil {
		return p, fmt.Errorf("build event: %w", err)
	}
	anchored, err := s.store.Anchor(ctx, p.UIToken, a, evt)
	if err != nil {
		s.logger.Error("failed to store anchoring",
			zap.String("token", p.UIToken),
			zap.String("tx", receipt.TxHash),
			zap.Error(err))
		return p, fmt.Errorf("store anchoring: %w", err)
	}

	s.logger.Info("prescription anchored",
		zap.String("token", p.UIToken),
		zap.String("tx", receipt.TxHash),
		zap.String("path", string(receipt.Path)))
	return anchored, nil
}

// Lookup returns the prescription for a scanned or typed token
func (s *Service) Lookup(ctx context.Context, uiToken string) (*prescription.Prescription, error) {
	return s.store.Get(ctx, prescription.NormalizeToken(uiToken))
}

// Dispense commits a dispensation. The local transition and catalog decrement
// are applied only after the ledger accepted the dispensation, unless the
// service runs ledger-optional and the ledger could not be reached.
func (s *Service) Dispense(ctx context.Context, uiToken string) (*prescription.Prescription, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("dispense", time.Since(start)) }()

	uiToken = prescription.NormalizeToken(uiToken)
	ctx, span := s.tracer.Start(ctx, "dispense_prescription",
		trace.WithAttributes(attribute.String("ui_token", uiToken)))
	defer span.End()

	release := s.locks.Lock(uiToken)
	defer release()

	p, err := s.store.Get(ctx, uiToken)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := prescription.CanDispense(p, now, s.cfg.Location); err != nil {
		s.metrics.Denied(denialReason(err))
		span.SetAttributes(attribute.String("denied", err.Error()))
		return nil, err
	}

	ledgerToken, err := s.store.LedgerToken(ctx, uiToken)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger token: %w", err)
	}

	var txHash, path string
	receipt, err := s.recordDispensation(ctx, ledgerToken)
	switch {
	case err == nil:
		txHash, path = receipt.TxHash, string(receipt.Path)
	case s.proceedWithoutLedger(p, err):
		s.logger.Warn("dispensing without ledger confirmation",
			zap.String("token", uiToken),
			zap.Error(err))
	default:
		s.metrics.Denied("ledger")
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger commit failed")
		s.logger.Error("dispensation rejected, ledger commit failed",
			zap.String("token", uiToken),
			zap.Error(err))
		return nil, err
	}

	evt, err := prescription.DispensedEvent(p, txHash, path, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	out, err := s.store.CommitDispensation(ctx, store.Dispensation{UIToken: uiToken, At: now.UTC()}, evt)
	if err != nil {
		// the ledger already accepted this dispensation
		s.logger.Error("ledger committed but local dispensation failed",
			zap.String("token", uiToken),
			zap.String("tx", txHash),
			zap.Error(err))
		return nil, fmt.Errorf("commit dispensation: %w", err)
	}

	s.metrics.Dispensed()
	s.logger.Info("prescription dispensed",
		zap.String("token", uiToken),
		zap.String("tx", txHash),
		zap.String("path", path))
	return out, nil
}

func (s *Service) recordDispensation(ctx context.Context, ledgerToken string) (*ledger.Receipt, error) {
	if s.recorder == nil {
		return nil, &ledger.CommitError{
			Op:      "dispense",
			Direct:  ledger.ErrLedgerUnavailable,
			Backend: errors.New("no ledger configured"),
		}
	}
	return s.recorder.RecordDispensation(ctx, ledgerToken)
}

// proceedWithoutLedger applies the ledger-optional policy. A revert is only
// ignored for prescriptions that were never anchored, since the contract
// cannot know them.
func (s *Service) proceedWithoutLedger(p *prescription.Prescription, err error) bool {
	if !s.cfg.LedgerOptional || !errors.Is(err, ledger.ErrLedgerCommitFailed) {
		return false
	}
	if errors.Is(err, ledger.ErrReverted) && p.Anchoring != nil {
		return false
	}
	return true
}

// List returns the prescriptions matching f
func (s *Service) List(ctx context.Context, f store.Filter) ([]*prescription.Prescription, error) {
	return s.store.List(ctx, f)
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, prescription.ErrAlreadyDispensed):
		return "already_dispensed"
	case errors.Is(err, prescription.ErrLocked):
		return "locked"
	case errors.Is(err, prescription.ErrExpired):
		return "expired"
	default:
		return "other"
	}
}
