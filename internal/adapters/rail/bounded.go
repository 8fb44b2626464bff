package rail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/bawo/pkg/metrics"
)

// Bounded applies a deadline to every call of the wrapped rail and records
// latency per operation.
type Bounded struct {
	next    Rail
	send    time.Duration
	confirm time.Duration
}

// NewBounded wraps r. Non-positive durations leave that call unbounded.
func NewBounded(r Rail, send, confirm time.Duration) *Bounded {
	return &Bounded{next: r, send: send, confirm: confirm}
}

// Send implements Rail.
func (b *Bounded) Send(ctx context.Context, p Payment) (Receipt, error) {
	ctx, cancel := withTimeout(ctx, b.send)
	defer cancel()

	start := time.Now()
	rc, err := b.next.Send(ctx, p)
	err = bound(ctx, err)
	observe("send", start, err)
	return rc, err
}

// AwaitConfirmation implements Rail. A confirmation that arrives as failed is
// returned together with ErrNotConfirmed.
func (b *Bounded) AwaitConfirmation(ctx context.Context, r Receipt) (Confirmation, error) {
	ctx, cancel := withTimeout(ctx, b.confirm)
	defer cancel()

	start := time.Now()
	c, err := b.next.AwaitConfirmation(ctx, r)
	err = bound(ctx, err)
	if err == nil && c.Status != StatusConfirmed {
		err = fmt.Errorf("%w: %s", ErrNotConfirmed, c.Reason)
	}
	observe("confirm", start, err)
	return c, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func bound(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrRejected), errors.Is(err, ErrNotConfirmed):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.RecordRailLatency(op, result, float64(time.Since(start).Milliseconds()))
}
