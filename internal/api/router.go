// Package api assembles the public HTTP surface of the dispensation engine.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/handlers"
	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/store"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

// Deps are the collaborators of the router
type Deps struct {
	ServiceName string
	Lifecycle   handlers.Lifecycle
	Catalog     store.Catalog
	// Inbox enables Idempotency-Key on create; nil disables it
	Inbox     idempotency.Processor
	APIKeys   map[string]string
	RateLimit middleware.RateLimitConfig
	// Gatherer backs /metrics; nil omits the endpoint
	Gatherer prometheus.Gatherer
	Checks   []handlers.Check
	Logger   *zap.Logger
}

// NewRouter builds the router
func NewRouter(d Deps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	health := handlers.NewHealthHandler(d.ServiceName, logger, d.Checks...)
	prescriptions := handlers.NewPrescriptionHandler(d.Lifecycle, d.Inbox, logger)
	medicines := handlers.NewMedicineHandler(d.Catalog, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Use(middleware.RateLimit(d.RateLimit))
		r.Mount("/prescriptions", prescriptions.Routes())
		r.Mount("/medicines", medicines.Routes())
	})

	return r
}
