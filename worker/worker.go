// Package worker implements a forking background-job worker. Each job
// consumed from the broker is executed in a freshly spawned copy of the
// worker binary, so a crashing or hanging handler can never take the
// worker down with it: the supervisor kills the job process when its
// declared timeout expires and maps every termination onto an
// ack/retry/dead-letter decision.
package worker

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuongbtq/forq/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger *slog.Logger
	Rabbit *rabbitmq.Client

	// Queue is the broker queue the worker consumes from
	Queue string

	// PoolSize bounds the number of jobs in flight at once. Defaults to
	// the number of CPUs.
	PoolSize int
}

// Worker is the composition root: it owns the broker connection, the
// handler registry, and the managed-value store, and drives the delivery
// pump. Registration and managed-value setup must complete before Run.
type Worker struct {
	logger   *slog.Logger
	rabbit   *rabbitmq.Client
	queue    string
	poolSize int
	workerID string

	registry *registry
	values   *Values
	started  atomic.Bool
}

// New creates a new worker instance
func New(cfg *Config) *Worker {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	return &Worker{
		logger:   cfg.Logger,
		rabbit:   cfg.Rabbit,
		queue:    cfg.Queue,
		poolSize: poolSize,
		workerID: "forq-" + uuid.New().String(),
		registry: newRegistry(),
		values:   newValues(),
	}
}

// Register binds a job name to its handler. All handlers must be
// registered before Run is called; duplicate names are a setup error.
func (w *Worker) Register(h Handler) error {
	if w.started.Load() {
		return ErrSetupOrderViolation
	}
	return w.registry.register(h)
}

// Manage registers a long-lived shared value made available to every
// handler invocation. Values must be registered before Run: the job
// process re-runs the application's setup code, so a value added after
// startup would never exist in any job process.
func (w *Worker) Manage(name string, value any) error {
	if w.started.Load() {
		return ErrSetupOrderViolation
	}
	return w.values.set(name, value)
}

// Run starts the worker and blocks until the context is canceled or a
// fatal broker error occurs.
//
// When the current process was spawned as a job process, Run executes
// that single job and exits instead; it never returns in that case. This
// is why applications must finish all Register and Manage calls before
// calling Run: the job process takes the exact same path through their
// setup code.
func (w *Worker) Run(ctx context.Context) error {
	if name, ok := ExecutorJob(); ok {
		return w.runExecutor(name)
	}

	w.started.Store(true)

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queue),
		slog.Int("pool_size", w.poolSize),
		slog.Any("jobs", w.registry.names()),
	)

	sup, err := newSupervisor(w.logger)
	if err != nil {
		return err
	}

	deliveries, err := w.rabbit.Consume(w.queue, w.workerID, w.poolSize)
	if err != nil {
		return err
	}

	policy := &ackPolicy{
		broker: w.rabbit,
		logger: w.logger,
	}

	p := newPump(w.logger, w.registry, sup, policy, w.poolSize)

	err = p.run(ctx, deliveries)

	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)

	return err
}
