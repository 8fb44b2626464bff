package payouts

import (
	"context"
	"errors"

	"github.com/okian/bawo/internal/adapters/mq/queue"
	"github.com/okian/bawo/internal/adapters/mq/worker"
	"github.com/okian/bawo/internal/domain/dedupe"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
)

// Dispatcher hands committed payouts to an executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, source string, ids ...string)
}

// Inline executes payouts on the caller's goroutine.
type Inline struct {
	svc *Service
}

// NewInline creates a synchronous dispatcher.
func NewInline(svc *Service) *Inline { return &Inline{svc: svc} }

// Dispatch implements Dispatcher.
func (d *Inline) Dispatch(ctx context.Context, source string, ids ...string) {
	for _, id := range ids {
		if _, err := d.svc.Execute(ctx, id); err != nil {
			d.svc.log.Error(ctx, "execute payout", logger.String("transaction_id", id),
				logger.String("source", source), logger.Error(err))
		}
	}
}

// Queued hands payouts to a worker pool through the bounded queue. A payout
// that cannot be queued stays pending and is recovered by Retry.
type Queued struct {
	svc      *Service
	q        queue.Queue
	pool     *worker.Pool
	inFlight dedupe.Deduper
	log      logger.Logger
}

// NewQueued creates a queued dispatcher with workers executors.
func NewQueued(svc *Service, q queue.Queue, workers int, d dedupe.Deduper) *Queued {
	qd := &Queued{svc: svc, q: q, inFlight: d, log: svc.log.Named("dispatch")}
	qd.pool = worker.NewPool(workers, q, worker.HandlerFunc(qd.handle))
	return qd
}

// Start launches the executors.
func (d *Queued) Start(ctx context.Context) { d.pool.Start(ctx) }

// Shutdown stops accepting work and drains what is queued.
func (d *Queued) Shutdown(ctx context.Context) error { return d.pool.Shutdown(ctx) }

// Dispatch implements Dispatcher.
func (d *Queued) Dispatch(ctx context.Context, source string, ids ...string) {
	for _, id := range ids {
		err := d.q.Enqueue(ctx, queue.Job{TransactionID: id, Source: source})
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
			d.log.Warn(ctx, "payout left for retry", logger.String("transaction_id", id), logger.Error(err))
		default:
			d.log.Error(ctx, "enqueue payout", logger.String("transaction_id", id), logger.Error(err))
		}
	}
}

func (d *Queued) handle(ctx context.Context, j queue.Job) error {
	if !d.inFlight.Acquire(ctx, j.TransactionID) {
		metrics.RecordPayoutDuplicate()
		return nil
	}
	defer d.inFlight.Release(ctx, j.TransactionID)
	_, err := d.svc.Execute(ctx, j.TransactionID)
	return err
}
