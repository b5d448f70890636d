// Package workerpool runs typed tasks on a fixed set of goroutines with a
// bounded queue and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("pool is shutting down")
)

// Task is a unit of work
type Task[T any] struct {
	ID      string
	Payload T
	Context context.Context
}

// WorkerFunc processes one task
type WorkerFunc[T any] func(ctx context.Context, task *Task[T]) error

// Config holds worker pool configuration
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for ledger reads
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              250 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages workers for concurrent task processing
type Pool[T any] struct {
	config Config
	fn     WorkerFunc[T]
	logger *zap.Logger

	tasks chan *Task[T]
	wg    sync.WaitGroup

	// quit releases blocked submitters before Stop takes mu
	quit     chan struct{}
	quitOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool; call Start to launch the workers
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task[T], cfg.QueueSize),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking
func (p *Pool[T]) Submit(task *Task[T]) error {
	return p.enqueue(context.Background(), task, false)
}

// SubmitBlocking enqueues a task, waiting for room until ctx is done
func (p *Pool[T]) SubmitBlocking(ctx context.Context, task *Task[T]) error {
	return p.enqueue(ctx, task, true)
}

// enqueue sends task to the queue. Without block a full queue fails fast.
func (p *Pool[T]) enqueue(ctx context.Context, task *Task[T], block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	if !block {
		select {
		case p.tasks <- task:
			p.submitted.Add(1)
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop drains the queue and waits for workers up to the shutdown timeout
func (p *Pool[T]) Stop() error {
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.cancel()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.Int("queued", len(p.tasks)))
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.active.Add(1)
		p.process(id, task)
		p.active.Add(-1)
	}
}

func (p *Pool[T]) process(workerID int, task *Task[T]) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = p.fn(ctx, task); err == nil {
			p.completed.Add(1)
			return
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	p.failed.Add(1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(err))
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     int64(len(p.tasks)),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool[T]) IsHealthy() bool {
	return float64(len(p.tasks))/float64(cap(p.tasks)) < 0.9
}
