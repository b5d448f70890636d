// Package redpanda streams prescription events over Kafka-compatible brokers with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers []string
	// Linger is how long to wait to fill a batch
	Linger time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression  string
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns defaults favouring durability over throughput
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       5 * time.Millisecond,
		Compression:  "lz4",
		MaxRetries:   5,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// Producer publishes records and prescription events
type Producer struct {
	client  *kgo.Client
	topic   string
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer. PublishEvent writes to eventTopic.
func NewProducer(cfg ProducerConfig, eventTopic string, m *metrics.Metrics, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}

	if codec, ok := compression(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client:  client,
		topic:   eventTopic,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
	}, nil
}

// compression maps a codec name to its franz-go codec
func compression(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "lz4":
		return kgo.Lz4Compression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "gzip":
		return kgo.GzipCompression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	}
	return kgo.NoCompression(), false
}

// Publish sends one record and waits for the broker acknowledgement
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record})

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// PublishEvent sends a prescription event keyed by its UI token
func (p *Producer) PublishEvent(ctx context.Context, evt *prescription.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.Publish(ctx, p.topic, evt.AggregateID, value); err != nil {
		return err
	}
	p.metrics.Published()
	return nil
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return nil
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// Stats returns producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{MessagesSent: p.sent.Load(), ErrorCount: p.failed.Load()}
}

// EventSink adapts Producer to the store's event sink
type EventSink struct {
	*Producer
}

// Publish implements store.EventSink
func (s EventSink) Publish(ctx context.Context, evt *prescription.Event) error {
	return s.PublishEvent(ctx, evt)
}
