package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Inbox is the postgres-backed Processor
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Processor = (*Inbox)(nil)

// NewInbox creates a postgres inbox. The inbox table is created by the
// postgres migration.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process executes fn at most once for key
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		res, err := admit(entry, key, time.Now(), i.config.RecoveryTimeout)
		if res != nil || err != nil {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return res, err
		}
		span.SetAttributes(attribute.Bool("recovered", true))
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		errDoc, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.finish(ctx, key, i.config.failureStatus(handlerErr), errDoc); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.finish(ctx, key, StatusFinished, result); err != nil {
		// the handler already ran; report its result
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: entry == nil, WasRecovered: entry != nil, Result: result}, nil
}

// lookup returns the live entry for key, or nil
func (i *Inbox) lookup(ctx context.Context, key string) (*Entry, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}
	entry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Entry])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}
	return entry, nil
}

// claim marks key STARTED. It takes over recoverable, abandoned and expired
// entries and returns ErrDuplicateMessage when another caller holds the key.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	tag, err := i.pool.Exec(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, NOW() + make_interval(secs => $4))
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', result = NULL, updated_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		   OR inbox.expires_at < NOW()
	`, key, handlerName, payload, i.config.DefaultTTL.Seconds(), i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return fmt.Errorf("claim key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateMessage
	}
	return nil
}

func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, result = $3, updated_at = NOW()
		WHERE idempotency_key = $1
	`, key, string(status), result)
	return err
}

// StartCleanup starts the background cleanup loop
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			deleted, err := i.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			stats, err := i.GetStats(i.ctx)
			if err != nil {
				i.logger.Warn("inbox stats failed", zap.Error(err))
				continue
			}
			i.logger.Info("inbox cleanup completed",
				zap.Int64("deleted", deleted),
				zap.Int64("remaining", stats.TotalEntries),
				zap.Int64("failed", stats.Failed))
		}
	}
}

// Cleanup deletes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats holds inbox counts by status
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns inbox counts by status
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}

	stats := &Stats{}
	var status string
	var n int64
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		stats.TotalEntries += n
		switch Status(status) {
		case StatusStarted:
			stats.Started = n
		case StatusFinished:
			stats.Finished = n
		case StatusRecoverable:
			stats.Recoverable = n
		case StatusFailed:
			stats.Failed = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return stats, nil
}
