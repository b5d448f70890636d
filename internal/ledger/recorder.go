package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

// Path names the route a commit took
type Path string

const (
	PathDirect  Path = "direct"
	PathBackend Path = "backend"
)

const (
	opCreate   = "create"
	opDispense = "dispense"
	opInspect  = "inspect"
)

// Receipt is a successful commit
type Receipt struct {
	TxHash  string
	Status  string
	Address string
	Path    Path
}

// CreationFact is what gets anchored for a new prescription
type CreationFact struct {
	LedgerToken     string
	PatientAddress  string
	Disease         string
	Drug            string
	Quantity        uint64
	IntervalSeconds uint64
}

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	// Timeout bounds each ledger call, per path
	Timeout time.Duration
	Direct  circuitbreaker.Config
	Backend circuitbreaker.Config
}

// DefaultRecorderConfig returns sensible defaults
func DefaultRecorderConfig() RecorderConfig {
	direct := circuitbreaker.DefaultConfig("ledger-direct")
	direct.IsSuccessful = isReachable
	backend := circuitbreaker.DefaultConfig("ledger-backend")
	backend.IsSuccessful = isReachable
	return RecorderConfig{
		Timeout: 15 * time.Second,
		Direct:  direct,
		Backend: backend,
	}
}

// isReachable treats contract reverts as healthy endpoint responses
func isReachable(err error) bool {
	return err == nil || errors.Is(err, ErrReverted) || errors.Is(err, ErrNotOnLedger)
}

// Recorder commits creation and dispensation facts. It tries the direct
// session first and falls back to the backend once; nothing is retried beyond that.
type Recorder struct {
	session   Session
	backend   Contract
	directCB  *circuitbreaker.CircuitBreaker
	backendCB *circuitbreaker.CircuitBreaker
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRecorder creates a recorder. session and backend may each be nil, in
// which case that path always fails.
func NewRecorder(session Session, backend Contract, cfg RecorderConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRecorderConfig().Timeout
	}

	directCB, err := breakers.GetOrCreate(cfg.Direct)
	if err != nil {
		return nil, fmt.Errorf("direct breaker: %w", err)
	}
	backendCB, err := breakers.GetOrCreate(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("backend breaker: %w", err)
	}

	return &Recorder{
		session:   session,
		backend:   backend,
		directCB:  directCB,
		backendCB: backendCB,
		timeout:   cfg.Timeout,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("ledger-recorder"),
	}, nil
}

// RecordCreation anchors a new prescription
func (r *Recorder) RecordCreation(ctx context.Context, fact CreationFact) (*Receipt, error) {
	tok, err := ParseToken(fact.LedgerToken)
	if err != nil {
		return nil, err
	}
	call := CreateCall{
		Token:           tok,
		Patient:         fact.PatientAddress,
		Disease:         fact.Disease,
		Drug:            fact.Drug,
		Quantity:        fact.Quantity,
		IntervalSeconds: fact.IntervalSeconds,
	}
	return r.commit(ctx, opCreate, fact.LedgerToken, func(ctx context.Context, c Contract) (*TxResult, error) {
		return c.CreatePrescription(ctx, call)
	})
}

// RecordDispensation commits a dispensation
func (r *Recorder) RecordDispensation(ctx context.Context, ledgerToken string) (*Receipt, error) {
	tok, err := ParseToken(ledgerToken)
	if err != nil {
		return nil, err
	}
	return r.commit(ctx, opDispense, ledgerToken, func(ctx context.Context, c Contract) (*TxResult, error) {
		return c.Dispense(ctx, tok)
	})
}

// Inspect reads the on-chain record, direct first then backend
func (r *Recorder) Inspect(ctx context.Context, ledgerToken string) (*OnChainRecord, Path, error) {
	tok, err := ParseToken(ledgerToken)
	if err != nil {
		return nil, "", err
	}
	read := func(ctx context.Context, c Contract) (*OnChainRecord, error) {
		return c.GetPrescription(ctx, tok)
	}

	directErr := r.directUnavailable()
	if directErr == nil {
		rec, err := attempt(ctx, r, r.directCB, opInspect, PathDirect, r.session, read)
		if err == nil {
			return rec, PathDirect, nil
		}
		directErr = err
	}
	if r.backend == nil {
		return nil, "", &CommitError{Op: opInspect, Direct: directErr, Backend: errNoBackend}
	}
	rec, err := attempt(ctx, r, r.backendCB, opInspect, PathBackend, r.backend, read)
	if err != nil {
		return nil, "", &CommitError{Op: opInspect, Direct: directErr, Backend: err}
	}
	return rec, PathBackend, nil
}

var errNoBackend = errors.New("no backend configured")

func (r *Recorder) directUnavailable() error {
	if r.session == nil || !r.session.Connected() {
		return fmt.Errorf("%w: no connected signer", ErrLedgerUnavailable)
	}
	return nil
}

func (r *Recorder) commit(ctx context.Context, op, ledgerToken string, call func(context.Context, Contract) (*TxResult, error)) (*Receipt, error) {
	ctx, span := r.tracer.Start(ctx, "ledger_"+op,
		trace.WithAttributes(attribute.String("ledger_token", ledgerToken)))
	defer span.End()

	directErr := r.directUnavailable()
	if directErr == nil {
		res, err := attempt(ctx, r, r.directCB, op, PathDirect, r.session, call)
		if err == nil {
			span.SetAttributes(attribute.String("path", string(PathDirect)))
			return &Receipt{TxHash: res.TxHash, Status: res.Status, Address: r.session.Address(), Path: PathDirect}, nil
		}
		directErr = err
	}

	r.logger.Warn("direct ledger path failed, falling back to backend",
		zap.String("operation", op),
		zap.String("ledger_token", ledgerToken),
		zap.Error(directErr))

	if r.backend == nil {
		err := &CommitError{Op: op, Direct: directErr, Backend: errNoBackend}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := attempt(ctx, r, r.backendCB, op, PathBackend, r.backend, call)
	if err != nil {
		cerr := &CommitError{Op: op, Direct: directErr, Backend: err}
		r.logger.Error("ledger commit failed on both paths",
			zap.String("operation", op),
			zap.String("ledger_token", ledgerToken),
			zap.Error(cerr))
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		return nil, cerr
	}

	span.SetAttributes(attribute.String("path", string(PathBackend)))
	return &Receipt{TxHash: res.TxHash, Status: res.Status, Address: res.From, Path: PathBackend}, nil
}

// attempt runs one path under its breaker and the per-call timeout
func attempt[T any](ctx context.Context, r *Recorder, cb *circuitbreaker.CircuitBreaker, op string, path Path, c Contract, call func(context.Context, Contract) (T, error)) (T, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := circuitbreaker.Do(ctx, cb, func(ctx context.Context) (T, error) {
		return call(ctx, c)
	})

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrReverted):
		outcome = "reverted"
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	r.metrics.ObserveLedger(op, string(path), outcome, time.Since(start))

	if err != nil && path == PathDirect && !errors.Is(err, ErrReverted) && !errors.Is(err, ErrNotOnLedger) {
		err = fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return out, err
}
