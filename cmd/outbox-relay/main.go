// Package main provides the outbox relay service entry point.
// Publishes committed prescription events from postgres to the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxledger/internal/app"
	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

const serviceName = "outbox-relay"

type options struct {
	metricsPort string
	retention   time.Duration
	sweepEvery  time.Duration
}

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Relay prescription events from the outbox table to the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()
			return run(ctx, opts)
		},
	}
	rootCmd.Flags().StringVar(&opts.metricsPort, "metrics-port", "9091", "port serving /metrics")
	rootCmd.Flags().DurationVar(&opts.retention, "retention", 7*24*time.Hour, "how long processed entries are kept")
	rootCmd.Flags().DurationVar(&opts.sweepEvery, "sweep-interval", time.Minute, "how often processed entries are pruned")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	rt, err := app.New(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config

	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("%s needs STORE=%s", serviceName, config.StorePostgres)
	}
	if !cfg.EventsEnabled() {
		return errors.New("KAFKA_BROKERS is required")
	}

	pool, err := rt.OpenDatabase(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, rt.Logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		admin.Close()
		return fmt.Errorf("ensure topics: %w", err)
	}
	admin.Close()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, redpanda.TopicPrescriptionEvents, rt.Metrics, rt.Logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	rt.Logger.Info("connected to broker", zap.Strings("brokers", cfg.KafkaBrokers))

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, ocfg, rt.Metrics, rt.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(opts.metricsPort, metrics.Handler(rt.Registry)), rt.Logger)
	})
	g.Go(func() error {
		outbox.Start()
		rt.Logger.Info("outbox relay started")
		<-gctx.Done()
		outbox.Stop()
		return nil
	})
	g.Go(func() error {
		sweep(gctx, outbox, opts, rt.Logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		rt.Logger.Error("relay error", zap.Error(err))
		return err
	}
	rt.Logger.Info("outbox relay stopped")
	return nil
}

// sweep prunes processed entries. Dead lettering happens in the relay loop.
func sweep(ctx context.Context, outbox *postgres.Outbox, opts options, logger *zap.Logger) {
	ticker := time.NewTicker(opts.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.CleanupProcessed(ctx, opts.retention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned processed outbox entries", zap.Int64("count", n))
		}
		if stats, err := outbox.GetStats(ctx); err == nil {
			logger.Debug("outbox stats", zap.Any("stats", stats))
		}
	}
}
