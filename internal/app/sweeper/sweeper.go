// Package sweeper periodically repairs work that a crash or a rail outage
// left half done: tasks that hold every response but were never resolved,
// and payouts that failed or were abandoned mid-flight.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/okian/bawo/internal/adapters/lock"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
)

const lockKey = "sweep"

// Reconciler resolves tasks whose resolution never ran.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// Retrier re-executes unsettled payouts.
type Retrier interface {
	Retry(ctx context.Context, limit int) (int, error)
}

// Result is one sweep's outcome.
type Result struct {
	Reconciled int
	Retried    int
	// Skipped is set when another process held the sweep lock.
	Skipped bool
}

// Option configures the sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatch bounds how many tasks and payouts one sweep handles.
func WithBatch(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithLocker sets the lock shared by every sweeping process.
func WithLocker(l lock.Locker) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithLockTTL sets how long a sweep may hold the lock.
func WithLockTTL(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// Sweeper runs reconciliation and payout retry on a ticker.
type Sweeper struct {
	reconciler Reconciler
	retrier    Retrier
	locker     lock.Locker
	interval   time.Duration
	batch      int
	lockTTL    time.Duration
	log        logger.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a sweeper.
func New(r Reconciler, p Retrier, opts ...Option) *Sweeper {
	s := &Sweeper{
		reconciler: r,
		retrier:    p,
		locker:     lock.NewLocal(),
		interval:   30 * time.Second,
		batch:      200,
		lockTTL:    5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("sweeper")
	}
	return s
}

// Start launches the sweep loop. It is a no-op when already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.done)
	s.log.Info(ctx, "sweeper started", logger.Duration("interval", s.interval), logger.Int("batch", s.batch))
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
	s.log.Info(context.Background(), "sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				metrics.RecordError("sweeper", "sweep")
				s.log.Error(ctx, "sweep failed", logger.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep if no other process is sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	release, ok, err := s.locker.TryAcquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		s.log.Debug(ctx, "sweep skipped, lock held elsewhere")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn(ctx, "release sweep lock", logger.Error(err))
		}
	}()

	start := time.Now()
	var res Result
	res.Reconciled, err = s.reconciler.Reconcile(ctx, s.batch)
	if err != nil {
		return res, err
	}
	res.Retried, err = s.retrier.Retry(ctx, s.batch)
	if err != nil {
		return res, err
	}

	metrics.RecordSweep("reconcile", res.Reconciled)
	metrics.RecordSweep("retry", res.Retried)
	metrics.RecordSweepDuration(float64(time.Since(start).Milliseconds()))
	if res.Reconciled > 0 || res.Retried > 0 {
		s.log.Info(ctx, "sweep repaired work", logger.Int("reconciled", res.Reconciled), logger.Int("retried", res.Retried))
	}
	return res, nil
}
