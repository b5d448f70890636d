// Package app holds the process plumbing shared by the binaries: config,
// logging, tracing, metrics, the ledger recorder and graceful HTTP serving.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/ledger/memchain"
	"github.com/drfirst/go-rxledger/internal/observability/logging"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/observability/tracing"
	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

// ShutdownTimeout bounds graceful shutdown of servers and workers
const ShutdownTimeout = 30 * time.Second

// Runtime is the per-process plumbing
type Runtime struct {
	Service  string
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager

	tracer *tracing.Provider
}

// New loads configuration and initializes logging, tracing and metrics
func New(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, service, cfg)
}

// NewWithConfig is New for an already loaded configuration
func NewWithConfig(ctx context.Context, service string, cfg *config.Config) (*Runtime, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(zap.String("service", service))

	tcfg := tracing.DefaultConfig(service)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Runtime{
		Service:  service,
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Breakers: circuitbreaker.NewManager(logger),
		tracer:   tp,
	}, nil
}

// Close flushes traces and logs
func (rt *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.Logger.Warn("tracer shutdown", zap.Error(err))
	}
	_ = rt.Logger.Sync()
}

// SignalContext is cancelled on SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// OpenDatabase connects to postgres and applies the schema
func (rt *Runtime) OpenDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, rt.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	rt.Logger.Info("connected to database")
	return pool, nil
}

// Recorder builds the ledger recorder from configuration. The direct path
// signs through the configured ledger node; the backend path is the ledger
// gateway.
func (rt *Runtime) Recorder() (*ledger.Recorder, error) {
	cfg := rt.Config

	var session ledger.Session
	if cfg.LedgerDirectEnabled {
		switch cfg.LedgerNodeURL {
		case "":
			return nil, errors.New("direct ledger path enabled without LEDGER_NODE_URL")
		case config.LedgerNodeMemory:
			rt.Logger.Warn("direct ledger path uses an in-process chain, state is not shared")
			session = memchain.NewSession(memchain.New(cfg.LedgerSignerAddress), cfg.LedgerSignerAddress)
		default:
			node := ledger.NewBackendClient(cfg.LedgerNodeURL, cfg.NodeAPIKey(), nil)
			session = ledger.NewNodeSession(node, cfg.LedgerSignerAddress)
		}
	}
	var backend ledger.Contract
	if cfg.LedgerBackendURL != "" {
		backend = ledger.NewBackendClient(cfg.LedgerBackendURL, cfg.LedgerBackendAPIKey, nil)
	}
	if session == nil && backend == nil {
		rt.Logger.Warn("no ledger path configured, every ledger call will fail")
	}

	rcfg := ledger.DefaultRecorderConfig()
	rcfg.Timeout = cfg.LedgerTimeout
	rec, err := ledger.NewRecorder(session, backend, rcfg, rt.Breakers, rt.Metrics, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	rt.Logger.Info("ledger recorder ready",
		zap.Bool("direct", session != nil),
		zap.String("node", cfg.LedgerNodeURL),
		zap.String("backend", cfg.LedgerBackendURL),
		zap.Bool("optional", cfg.LedgerOptional))
	return rec, nil
}

// WatchBreakers exports breaker states until ctx is done
func (rt *Runtime) WatchBreakers(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for _, st := range rt.Breakers.Snapshot() {
			rt.Metrics.BreakerState(st.Name, stateValue(st.State))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// NewServer returns an http.Server with the timeouts used by every binary
func NewServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ledger calls may take LEDGER_TIMEOUT on each path
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
