// Package worker runs payout executors that drain the payout queue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/bawo/internal/adapters/mq/queue"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2
	poolShutdownTimeout     = 30 * time.Second
)

// Handler settles one job. Errors are logged and counted; the job is not
// re-queued because the retry sweep owns recovery.
type Handler interface {
	Handle(ctx context.Context, j queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j queue.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, j queue.Job) error { return f(ctx, j) }

// Source is where workers read jobs from.
type Source interface {
	Dequeue() <-chan queue.Job
}

// InMemoryWorker processes jobs from a Source until it closes.
type InMemoryWorker struct {
	source  Source
	handler Handler
	name    string
	logger  logger.Logger

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(source Source, handler Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		source:   source,
		handler:  handler,
		name:     "payout-worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run processes jobs until the source closes, Shutdown is called or ctx ends.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.source.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			metrics.RecordQueueDequeue()
			w.process(ctx, job)
		}
	}
}

func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if err := w.handler.Handle(ctx, job); err != nil {
		metrics.RecordWorkerError()
		metrics.RecordError("worker", "handle")
		w.logger.Error(ctx, "job failed",
			logger.String("transaction_id", job.TransactionID),
			logger.String("source", job.Source),
			logger.Error(err),
		)
	}
}

// Shutdown stops the worker after its current job.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.once.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   queue.Queue
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers. workerCount < 1 picks a
// default based on the CPU count.
func NewPool(workerCount int, q queue.Queue, handler Handler, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("payout-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("payout-worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, handler, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for workers to drain what is left.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var firstErr error
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker", i))
			if firstErr == nil {
				firstErr = fmt.Errorf("pool shutdown: %w", shutdownCtx.Err())
			}
		}
	}
	metrics.UpdateWorkerCount(0)
	return firstErr
}
