// Package postgres provides the PostgreSQL store and the transactional outbox
// that carries prescription events to the event stream.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

// relayLockID is the advisory lock held by the active relay
const relayLockID int64 = 0x52584c4544474552

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64           `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	KafkaTopic    string          `db:"kafka_topic"`
	KafkaKey      string          `db:"kafka_key"`
	CreatedAt     time.Time       `db:"created_at"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

// EntryFromEvent wraps a prescription event for topic, keyed by UI token so
// every event of one prescription lands on the same partition
func EntryFromEvent(evt *prescription.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     string(evt.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      evt.AggregateID,
	}, nil
}

// OutboxConfig holds relay configuration
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries moves an entry to the dead letter topic once exceeded
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// OutboxPublisher publishes raw records
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox entries to the publisher
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry inside the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch(o.ctx)
		}
	}
}

// processBatch publishes one batch in id order. Only the relay holding the
// advisory lock works. After a failed publish the remaining entries of that
// key wait for the next batch so a token's events stay in order.
func (o *Outbox) processBatch(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&locked); err != nil || !locked {
		return
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := o.entries(ctx, "retry_count < $1 ORDER BY id LIMIT $2", o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.KafkaKey] {
			continue
		}
		if err := o.relay(ctx, e); err != nil {
			blocked[e.KafkaKey] = true
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("token", e.AggregateID),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
		}
	}

	if _, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter sweep failed", zap.Error(err))
	}
	if stats, err := o.GetStats(ctx); err == nil && o.metrics != nil {
		o.metrics.OutboxPending.Set(float64(stats.Pending))
	}
}

// entries returns unprocessed entries matching the trailing where clause
func (o *Outbox) entries(ctx context.Context, where string, args ...any) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, "SELECT "+entryColumns+" FROM outbox WHERE processed_at IS NULL AND "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEntry])
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	_, err := o.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (o *Outbox) relay(ctx context.Context, e *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("aggregate_id", e.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := o.pool.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1
		`, e.ID, err.Error()); uerr != nil {
			o.logger.Error("failed to record publish failure", zap.Int64("id", e.ID), zap.Error(uerr))
		}
		return fmt.Errorf("publish: %w", err)
	}
	if err := o.markProcessed(ctx, e.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	o.metrics.Published()
	return nil
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	dead, err := o.entries(ctx, "retry_count >= $1 ORDER BY id", o.config.MaxRetries)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, e := range dead {
		payload, err := json.Marshal(deadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			return moved, fmt.Errorf("encode dead letter %d: %w", e.ID, err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, e.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		o.logger.Warn("outbox entry moved to dead letter",
			zap.Int64("id", e.ID),
			zap.String("token", e.AggregateID),
			zap.String("event_type", e.EventType))
		moved++
	}
	return moved, nil
}

// OutboxStats summarizes the outbox
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
