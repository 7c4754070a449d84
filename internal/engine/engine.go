package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/infergate/internal/backend"
	"github.com/seantiz/infergate/internal/model"
	"github.com/seantiz/infergate/internal/queue"
	"github.com/seantiz/infergate/internal/store"
)

// Defaults applied by NewEngine to zero-valued Options fields.
const (
	DefaultWorkers          = 4
	DefaultIdlePollInterval = 100 * time.Millisecond
	DefaultBackendTimeout   = 5 * time.Second
	DefaultRetryDelay       = 200 * time.Millisecond
)

var (
	// ErrQueueFull is returned by Submit when the work queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrShuttingDown is returned by Submit once the engine has stopped dispatching.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Options tunes the dispatch worker pool.
type Options struct {
	// Workers is the number of concurrent dispatch loops.
	Workers int
	// IdlePollInterval bounds how long an idle worker stays parked before it
	// re-checks for shutdown.
	IdlePollInterval time.Duration
	// BackendTimeout applies to each backend call.
	BackendTimeout time.Duration
	// MaxAttempts is the number of backend calls made for one task. 1 means a
	// failed dispatch is recorded immediately and never retried.
	MaxAttempts int
	// RetryDelay separates attempts when MaxAttempts > 1.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = DefaultIdlePollInterval
	}
	if o.BackendTimeout <= 0 {
		o.BackendTimeout = DefaultBackendTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Stats is a point-in-time view of the dispatch domain.
type Stats struct {
	Results       *store.ResultStats
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Engine admits tasks into the work queue and dispatches them to the backend
// from a pool of workers. It owns the queue and the result store it is given.
type Engine struct {
	queue   *queue.Queue
	store   store.Store
	backend backend.Backend
	broker  *Broker
	logger  *slog.Logger
	opts    Options

	wg sync.WaitGroup

	// mu orders admissions against shutdown: Submit holds it shared while it
	// creates and enqueues, drain holds it exclusively to close admission.
	mu     sync.RWMutex
	closed bool
}

// NewEngine creates an engine around q, s and b. Workers do not run until
// Start is called.
func NewEngine(q *queue.Queue, s store.Store, b backend.Backend, logger *slog.Logger, opts Options) *Engine {
	queueCapacity.Set(float64(q.Cap()))
	return &Engine{
		queue:   q,
		store:   s,
		backend: b,
		broker:  NewBroker(),
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// Broker returns the engine's result broker for completion subscriptions.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Submit admits payload as a new task and returns its id. The result is
// recorded as pending before the task becomes visible to workers, so a lookup
// right after Submit never reports an unknown id. When the queue is full the
// pending entry is removed again and ErrQueueFull is returned.
func (e *Engine) Submit(ctx context.Context, payload []byte) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return "", ErrShuttingDown
	}

	now := time.Now().UTC()
	t := model.Task{
		ID:         model.NewID(),
		Payload:    payload,
		EnqueuedAt: now,
	}

	pending := &model.Result{
		ID:        t.ID,
		Status:    model.StatusPending,
		CreatedAt: now,
	}
	if err := e.store.CreateResult(ctx, pending); err != nil {
		return "", fmt.Errorf("create result: %w", err)
	}

	if !e.queue.TryEnqueue(t) {
		if err := e.store.DeleteResult(context.WithoutCancel(ctx), t.ID); err != nil {
			e.logger.Error("failed to remove rejected result", "request_id", t.ID, "error", err)
		}
		admissionsTotal.WithLabelValues(outcomeDropped).Inc()
		return "", ErrQueueFull
	}

	admissionsTotal.WithLabelValues(outcomeQueued).Inc()
	queueDepth.Set(float64(e.queue.Len()))
	e.logger.Debug("task queued", "request_id", t.ID, "queue_depth", e.queue.Len())
	return t.ID, nil
}

// Accepting reports whether Submit still admits new tasks.
func (e *Engine) Accepting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Lookup returns the current result for id, or store.ErrNotFound if id was
// never admitted.
func (e *Engine) Lookup(ctx context.Context, id string) (*model.Result, error) {
	return e.store.GetResult(ctx, id)
}

// Stats reports result counts and queue occupancy.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	rs, err := e.store.GetResultStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get result stats: %w", err)
	}
	return &Stats{
		Results:       rs,
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
		Workers:       e.opts.Workers,
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := range e.opts.Workers {
		e.wg.Go(func() {
			e.worker(ctx, i)
		})
	}
	e.logger.Info("dispatch workers started",
		"workers", e.opts.Workers,
		"queue_capacity", e.queue.Cap(),
		"backend_timeout", e.opts.BackendTimeout.String(),
		"max_attempts", e.opts.MaxAttempts,
	)
}

// Wait blocks until all workers have exited, then closes admission and fails
// every task still in the queue.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.drain()
}

// Run starts the workers and blocks until ctx is cancelled and the queue has
// been drained.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	e.Wait()
	return nil
}
