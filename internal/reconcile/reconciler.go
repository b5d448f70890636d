// Package reconcile compares published prescription events with what the
// ledger holds and reports divergences.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
	"github.com/drfirst/go-rxledger/pkg/workerpool"
)

// Kinds of divergence
const (
	KindMissingOnLedger  = "missing_on_ledger"
	KindNotConsumed      = "not_consumed_on_ledger"
	KindUnconfirmed      = "dispensed_without_ledger"
	KindDrugMismatch     = "drug_mismatch"
	KindQuantityMismatch = "quantity_mismatch"
)

const handlerName = "reconcile"

// Inspector reads on-chain records
type Inspector interface {
	Inspect(ctx context.Context, ledgerToken string) (*ledger.OnChainRecord, ledger.Path, error)
}

// Finding is one difference between local state and the ledger
type Finding struct {
	Kind        string `json:"kind"`
	UIToken     string `json:"ui_token"`
	LedgerToken string `json:"ledger_token"`
	Detail      string `json:"detail"`
}

// Config holds reconciler configuration
type Config struct {
	Pool workerpool.Config
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{Pool: workerpool.DefaultConfig()}
}

// Reconciler checks events against the ledger on a worker pool
type Reconciler struct {
	inspector Inspector
	inbox     idempotency.Processor
	pool      *workerpool.Pool[*prescription.Event]
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	onFinding func(Finding)
}

// New creates a reconciler. inbox deduplicates redelivered events and may be nil.
func New(inspector Inspector, inbox idempotency.Processor, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Reconciler, error) {
	if inspector == nil {
		return nil, errors.New("ledger inspector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		inspector: inspector,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("ledger-reconciler"),
	}
	pool, err := workerpool.New[*prescription.Event](cfg.Pool, r.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// OnFinding registers a callback for every finding
func (r *Reconciler) OnFinding(fn func(Finding)) {
	r.onFinding = fn
}

// Start launches the workers
func (r *Reconciler) Start() {
	r.pool.Start()
}

// Stop drains queued checks
func (r *Reconciler) Stop() error {
	return r.pool.Stop()
}

// Stats returns worker pool counters
func (r *Reconciler) Stats() workerpool.Stats {
	return r.pool.Stats()
}

// HandleMessage decodes a consumed record and queues it for checking
func (r *Reconciler) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var evt prescription.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// poison records are logged and skipped
		r.logger.Error("undecodable event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	r.metrics.Consumed()

	if evt.EventType == prescription.EventPrescriptionCreated {
		return nil
	}
	return r.pool.SubmitBlocking(ctx, &workerpool.Task[*prescription.Event]{
		ID:      evt.ID,
		Payload: &evt,
	})
}

func (r *Reconciler) work(ctx context.Context, task *workerpool.Task[*prescription.Event]) error {
	evt := task.Payload
	if r.inbox == nil {
		_, err := r.Check(ctx, evt)
		return err
	}

	_, err := r.inbox.Process(ctx, idempotency.Key(handlerName, evt.ID), handlerName, nil,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			findings, err := r.Check(ctx, evt)
			if err != nil {
				return nil, err
			}
			return json.Marshal(findings)
		})
	if errors.Is(err, idempotency.ErrDuplicateMessage) || errors.Is(err, idempotency.ErrPreviouslyFailed) {
		return nil
	}
	return err
}

// Check compares one event with the ledger and reports what differs. An
// error means the ledger could not be read and the check should be retried.
func (r *Reconciler) Check(ctx context.Context, evt *prescription.Event) ([]Finding, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.EventType)),
			attribute.String("ui_token", evt.AggregateID),
		))
	defer span.End()

	var findings []Finding
	var err error
	switch evt.EventType {
	case prescription.EventPrescriptionAnchored:
		findings, err = r.checkAnchored(ctx, evt)
	case prescription.EventPrescriptionDispensed:
		findings, err = r.checkDispensed(ctx, evt)
	default:
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, f := range findings {
		r.metrics.Divergence(f.Kind)
		r.logger.Warn("ledger divergence",
			zap.String("kind", f.Kind),
			zap.String("token", f.UIToken),
			zap.String("ledger_token", f.LedgerToken),
			zap.String("detail", f.Detail))
		if r.onFinding != nil {
			r.onFinding(f)
		}
	}
	span.SetAttributes(attribute.Int("findings", len(findings)))
	return findings, nil
}

func (r *Reconciler) checkAnchored(ctx context.Context, evt *prescription.Event) ([]Finding, error) {
	var data prescription.AnchoredData
	if err := evt.Decode(&data); err != nil {
		return nil, nil
	}

	rec, missing, err := r.inspect(ctx, data.LedgerToken)
	if err != nil {
		return nil, err
	}
	finding := func(kind, detail string) Finding {
		return Finding{Kind: kind, UIToken: data.UIToken, LedgerToken: data.LedgerToken, Detail: detail}
	}
	if missing {
		return []Finding{finding(KindMissingOnLedger, "anchored in "+data.TxHash+" but unknown to the contract")}, nil
	}
	if f, ok := drugMismatch(data.Drug, rec, finding); ok {
		return []Finding{f}, nil
	}
	return nil, nil
}

// drugMismatch compares the drug name anchored at creation with the ledger.
// Events from before the name was carried have none and are not compared.
func drugMismatch(anchored string, rec *ledger.OnChainRecord, finding func(kind, detail string) Finding) (Finding, bool) {
	if anchored == "" || anchored == rec.Drug {
		return Finding{}, false
	}
	return finding(KindDrugMismatch, fmt.Sprintf("anchored %q, ledger %q", anchored, rec.Drug)), true
}

func (r *Reconciler) checkDispensed(ctx context.Context, evt *prescription.Event) ([]Finding, error) {
	var data prescription.DispensedData
	if err := evt.Decode(&data); err != nil {
		return nil, nil
	}
	finding := func(kind, detail string) Finding {
		return Finding{Kind: kind, UIToken: data.UIToken, LedgerToken: data.LedgerToken, Detail: detail}
	}

	if data.Unanchored {
		return []Finding{finding(KindUnconfirmed, "dispensed while the ledger was unreachable")}, nil
	}

	rec, missing, err := r.inspect(ctx, data.LedgerToken)
	if err != nil {
		return nil, err
	}
	if missing {
		return []Finding{finding(KindMissingOnLedger, "dispensed in "+data.TxHash+" but unknown to the contract")}, nil
	}

	var findings []Finding
	if rec.Remaining > 0 {
		findings = append(findings, finding(KindNotConsumed, fmt.Sprintf("ledger still has %d remaining", rec.Remaining)))
	}
	if len(data.Medicines) > 0 {
		first := data.Medicines[0]
		if rec.Quantity != uint64(first.Quantity) {
			findings = append(findings, finding(KindQuantityMismatch,
				fmt.Sprintf("local %d, ledger %d", first.Quantity, rec.Quantity)))
		}
	}
	if f, ok := drugMismatch(data.Drug, rec, finding); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

// inspect reads the ledger record; missing is true when the contract has no record
func (r *Reconciler) inspect(ctx context.Context, ledgerToken string) (*ledger.OnChainRecord, bool, error) {
	rec, _, err := r.inspector.Inspect(ctx, ledgerToken)
	switch {
	case err == nil:
		return rec, false, nil
	case errors.Is(err, ledger.ErrNotOnLedger):
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("inspect %s: %w", ledgerToken, err)
	}
}
