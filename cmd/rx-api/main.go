// Package main provides the prescription API service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxledger/internal/api"
	"github.com/drfirst/go-rxledger/internal/api/handlers"
	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/app"
	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxledger/internal/lifecycle"
	"github.com/drfirst/go-rxledger/internal/store"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

const serviceName = "rx-api"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Prescription issuance and dispensation API",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var relay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()
			return serve(ctx, relay)
		},
	}
	cmd.Flags().BoolVar(&relay, "relay", true, "run the outbox relay in-process when STORE=postgres and brokers are set")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.New(ctx, serviceName)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Config.Store != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE=%s", config.StorePostgres)
			}
			pool, err := rt.OpenDatabase(ctx)
			if err != nil {
				return err
			}
			pool.Close()
			rt.Logger.Info("schema applied")
			return nil
		},
	}
}

// backing is the persistence chosen by STORE
type backing struct {
	store  store.Store
	inbox  idempotency.Processor
	checks []handlers.Check
	// run starts background workers and blocks until ctx is done
	run     func(ctx context.Context) error
	closers []func()
}

func (b *backing) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func serve(ctx context.Context, relay bool) error {
	rt, err := app.New(ctx, serviceName)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config

	icfg := idempotency.DefaultConfig()
	icfg.TerminalErrors = []error{prescription.ErrValidation, prescription.ErrMedicineNotFound}

	var b *backing
	switch cfg.Store {
	case config.StorePostgres:
		b, err = postgresBacking(ctx, rt, icfg, relay)
	default:
		b, err = memoryBacking(rt, icfg)
	}
	if err != nil {
		return err
	}
	defer b.close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	recorder, err := rt.Recorder()
	if err != nil {
		return err
	}
	svc := lifecycle.NewService(b.store, recorder, lifecycle.Config{
		Location:       loc,
		LedgerOptional: cfg.LedgerOptional,
	}, rt.Metrics, rt.Logger)

	checks := append([]handlers.Check{{Name: "store", Fn: b.store.Ping}}, b.checks...)
	router := api.NewRouter(api.Deps{
		ServiceName: serviceName,
		Lifecycle:   svc,
		Catalog:     b.store,
		Inbox:       b.inbox,
		APIKeys:     cfg.APIKeyMap(),
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		},
		Gatherer: rt.Registry,
		Checks:   checks,
		Logger:   rt.Logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(cfg.Port, router), rt.Logger)
	})
	g.Go(func() error {
		rt.WatchBreakers(gctx, 10*time.Second)
		return nil
	})
	if b.run != nil {
		g.Go(func() error { return b.run(gctx) })
	}

	rt.Logger.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("lock_timezone", loc.String()))
	if err := g.Wait(); err != nil {
		rt.Logger.Error("server error", zap.Error(err))
		return err
	}
	rt.Logger.Info("server stopped")
	return nil
}

// memoryBacking keeps state in process. Events go straight to the broker
// when one is configured.
func memoryBacking(rt *app.Runtime, icfg idempotency.Config) (*backing, error) {
	b := &backing{inbox: idempotency.NewMemoryInbox(icfg)}

	var sink store.EventSink
	if rt.Config.EventsEnabled() {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = rt.Config.KafkaBrokers
		producer, err := redpanda.NewProducer(pcfg, redpanda.TopicPrescriptionEvents, rt.Metrics, rt.Logger)
		if err != nil {
			return nil, fmt.Errorf("create producer: %w", err)
		}
		b.closers = append(b.closers, func() { _ = producer.Close() })
		b.checks = append(b.checks, handlers.Check{Name: "broker", Fn: producer.Ping})
		sink = redpanda.EventSink{Producer: producer}
	}

	b.store = store.NewMemory(sink, rt.Logger)
	rt.Logger.Warn("using in-memory store, state is lost on restart")
	return b, nil
}

// postgresBacking stores prescriptions with their events in one transaction.
// The outbox relay publishes them when brokers are configured.
func postgresBacking(ctx context.Context, rt *app.Runtime, icfg idempotency.Config, relay bool) (*backing, error) {
	pool, err := rt.OpenDatabase(ctx)
	if err != nil {
		return nil, err
	}
	b := &backing{closers: []func(){pool.Close}}

	inbox := idempotency.NewInbox(pool, icfg, rt.Logger)
	inbox.StartCleanup()
	b.closers = append(b.closers, inbox.Stop)
	b.inbox = inbox
	b.store = postgres.NewStore(pool, redpanda.TopicPrescriptionEvents, rt.Logger)

	if !relay || !rt.Config.EventsEnabled() {
		return b, nil
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = rt.Config.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, redpanda.TopicPrescriptionEvents, rt.Metrics, rt.Logger)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("create producer: %w", err)
	}
	b.closers = append(b.closers, func() { _ = producer.Close() })
	b.checks = append(b.checks, handlers.Check{Name: "broker", Fn: producer.Ping})

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), rt.Metrics, rt.Logger)
	b.run = func(ctx context.Context) error {
		outbox.Start()
		<-ctx.Done()
		outbox.Stop()
		return nil
	}
	return b, nil
}
