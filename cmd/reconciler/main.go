// Package main provides the ledger reconciler entry point. It consumes
// prescription events and checks each one against the ledger.
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
	"github.com/drfirst/go-rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/reconcile"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

const serviceName = "reconciler"

type options struct {
	groupID     string
	metricsPort string
	lagEvery    time.Duration
}

func main() {
	opts := options{}
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Check published prescription events against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()
			return run(ctx, opts)
		},
	}
	rootCmd.Flags().StringVar(&opts.groupID, "group", redpanda.DefaultConsumerConfig().GroupID, "consumer group")
	rootCmd.Flags().StringVar(&opts.metricsPort, "metrics-port", "9092", "port serving /metrics")
	rootCmd.Flags().DurationVar(&opts.lagEvery, "lag-interval", 30*time.Second, "how often consumer lag is logged")

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

	if !cfg.EventsEnabled() {
		return errors.New("KAFKA_BROKERS is required")
	}
	if cfg.LedgerBackendURL == "" {
		return errors.New("LEDGER_BACKEND_URL is required")
	}
	if cfg.LedgerNodeURL == config.LedgerNodeMemory {
		// an in-process chain has no view of the shared ledger
		cfg.LedgerDirectEnabled = false
	}
	inspector, err := rt.Recorder()
	if err != nil {
		return err
	}

	var inbox idempotency.Processor
	if cfg.Store == config.StorePostgres {
		pool, err := rt.OpenDatabase(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgInbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), rt.Logger)
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	} else {
		rt.Logger.Warn("no database configured, redelivered events may be checked twice")
		inbox = idempotency.NewMemoryInbox(idempotency.DefaultConfig())
	}

	rcfg := reconcile.DefaultConfig()
	rcfg.Pool.Workers = cfg.ReconcilerWorkers
	rec, err := reconcile.New(inspector, inbox, rcfg, rt.Metrics, rt.Logger)
	if err != nil {
		return err
	}

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = opts.groupID
	consumer, err := redpanda.NewConsumer(ccfg, rec.HandleMessage, rt.Logger)
	if err != nil {
		return err
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, rt.Logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	rec.Start()
	consumer.Start()
	rt.Logger.Info("reconciler started",
		zap.String("group", opts.groupID),
		zap.Int("workers", rcfg.Pool.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(opts.metricsPort, metrics.Handler(rt.Registry)), rt.Logger)
	})
	g.Go(func() error {
		rt.WatchBreakers(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		reportLag(gctx, admin, opts, rt.Logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// stop intake before draining queued checks
		if err := consumer.Stop(); err != nil {
			rt.Logger.Warn("consumer stop", zap.Error(err))
		}
		return rec.Stop()
	})

	if err := g.Wait(); err != nil {
		rt.Logger.Error("reconciler error", zap.Error(err))
		return err
	}
	stats := rec.Stats()
	rt.Logger.Info("reconciler stopped",
		zap.Int64("checked", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed))
	return nil
}

func reportLag(ctx context.Context, admin *redpanda.Admin, opts options, logger *zap.Logger) {
	ticker := time.NewTicker(opts.lagEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lag, err := admin.GroupLag(ctx, opts.groupID)
		if err != nil {
			logger.Warn("lag query failed", zap.Error(err))
			continue
		}
		for topic, n := range lag {
			logger.Info("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
		}
	}
}
