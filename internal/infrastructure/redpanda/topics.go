package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicPrescriptionEvents = "prescription.events"
	TopicDeadLetter         = "dead.letter"
)

// Topic describes a topic the services expect to exist
type Topic struct {
	Name        string
	Partitions  int32
	Replicas    int16
	Retention   time.Duration
	Compression string
}

// configs renders t as broker topic configs
func (t Topic) configs() map[string]*string {
	out := map[string]*string{"cleanup.policy": strptr("delete")}
	if t.Retention > 0 {
		out["retention.ms"] = strptr(strconv.FormatInt(t.Retention.Milliseconds(), 10))
	}
	if t.Compression != "" {
		out["compression.type"] = strptr(t.Compression)
	}
	return out
}

func strptr(s string) *string { return &s }

// LedgerTopics are the topics created by the relay and the reconciler.
// Events are keyed by ui token so one prescription stays on one partition.
var LedgerTopics = []Topic{
	{Name: TopicPrescriptionEvents, Partitions: 6, Replicas: 1, Retention: 30 * 24 * time.Hour, Compression: "lz4"},
	{Name: TopicDeadLetter, Partitions: 1, Replicas: 1, Retention: 7 * 24 * time.Hour},
}

// Admin wraps the kadm client
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// Ensure creates the given topics. Topics that already exist are left as they are.
func (a *Admin) Ensure(ctx context.Context, topics ...Topic) error {
	var errs []error
	for _, t := range topics {
		resp, err := a.client.CreateTopics(ctx, t.Partitions, t.Replicas, t.configs(), t.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("create topic %s: %w", t.Name, err))
			continue
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				errs = append(errs, fmt.Errorf("create topic %s: %w", r.Topic, r.Err))
			default:
				a.logger.Info("topic created", zap.String("topic", r.Topic), zap.Int32("partitions", t.Partitions))
			}
		}
	}
	return errors.Join(errs...)
}

// EnsureTopics creates LedgerTopics
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.Ensure(ctx, LedgerTopics...)
}

// GroupLag sums the lag of a consumer group per topic
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("consumer group lag: %w", err)
	}

	out := make(map[string]int64)
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				out[topic] += p.Lag
			}
		}
	})
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
