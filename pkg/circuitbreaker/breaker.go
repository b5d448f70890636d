// Package circuitbreaker guards calls to external ledger endpoints.
// Wraps sony/gobreaker with OpenTelemetry counters and zap logging.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a breaker state as reported to operators
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrOpen is returned when the breaker rejects a call without running it
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is how many probes pass while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them
	Interval time.Duration
	// Timeout is how long to stay open before probing again
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the breaker while fewer than
	// MinRequests calls have been seen; after that FailureRatio applies
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsSuccessful classifies errors that should not count against the endpoint.
	// nil means only a nil error is a success.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns defaults suited to a ledger RPC endpoint
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      10,
	}
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

// CircuitBreaker is a named gobreaker with tracing and call counters
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	attrs  metric.MeasurementOption
	tracer trace.Tracer
	calls  metric.Int64Counter
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("ledger_breaker_calls_total",
		metric.WithDescription("Calls through a ledger breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.readyToTrip,
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
		},
	}

	return &CircuitBreaker{
		cb:     gobreaker.NewCircuitBreaker(settings),
		name:   cfg.Name,
		attrs:  metric.WithAttributes(attribute.String("breaker", cfg.Name)),
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
	}, nil
}

// Do runs fn through cb. A rejected call returns an error wrapping ErrOpen
// and fn is not invoked.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := cb.tracer.Start(ctx, "circuit_breaker",
		trace.WithAttributes(
			attribute.String("breaker", cb.name),
			attribute.String("state", string(cb.State())),
		))
	defer span.End()

	var zero T
	out, err := cb.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		err = fmt.Errorf("%w: %s: %v", ErrOpen, cb.name, err)
	case err != nil:
		outcome = "error"
	}
	cb.calls.Add(ctx, 1, cb.attrs, metric.WithAttributes(attribute.String("outcome", outcome)))
	if err != nil {
		span.RecordError(err)
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the current state
func (c *CircuitBreaker) State() State { return stateOf(c.cb.State()) }

// Status summarizes one breaker
type Status struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Healthy reports whether calls flow normally
func (s Status) Healthy() bool { return s.State == StateClosed }

// Status returns the breaker's state and counts
func (c *CircuitBreaker) Status() Status {
	counts := c.cb.Counts()
	return Status{
		Name:     c.name,
		State:    c.State(),
		Requests: counts.Requests,
		Failures: counts.TotalFailures,
	}
}

// Manager owns the named breakers of a process
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates a circuit breaker manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker named cfg.Name, creating it on first use
func (m *Manager) GetOrCreate(cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[cfg.Name]; ok {
		return cb, nil
	}
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[cfg.Name] = cb
	return cb, nil
}

// Snapshot returns the status of every breaker ordered by name
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
