package rail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulated is an in-process rail that settles every transfer it accepts.
// It remembers references so a resent payout returns the original receipt.
type Simulated struct {
	mu          sync.Mutex
	fee         decimal.Decimal
	latency     time.Duration
	sendErr     func(Payment) error
	confirmErr  func(Receipt) error
	byRef       map[string]Receipt
	sent        map[string]Payment
	sendCalls   int
	settleCalls int
}

// SimulatedOption configures a Simulated rail.
type SimulatedOption func(*Simulated)

// WithFee charges a flat fee per transfer.
func WithFee(fee decimal.Decimal) SimulatedOption {
	return func(s *Simulated) { s.fee = fee }
}

// WithLatency delays every call, honouring context cancellation.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.latency = d }
}

// WithSendFailure makes Send fail whenever fn returns an error.
func WithSendFailure(fn func(Payment) error) SimulatedOption {
	return func(s *Simulated) { s.sendErr = fn }
}

// WithConfirmFailure makes AwaitConfirmation report failure whenever fn returns an error.
func WithConfirmFailure(fn func(Receipt) error) SimulatedOption {
	return func(s *Simulated) { s.confirmErr = fn }
}

// NewSimulated creates a simulated rail.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		fee:   decimal.Zero,
		byRef: make(map[string]Receipt),
		sent:  make(map[string]Payment),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetSendFailure swaps the send failure hook at runtime.
func (s *Simulated) SetSendFailure(fn func(Payment) error) {
	s.mu.Lock()
	s.sendErr = fn
	s.mu.Unlock()
}

// Send implements Rail.
func (s *Simulated) Send(ctx context.Context, p Payment) (Receipt, error) {
	if err := s.wait(ctx); err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if s.sendErr != nil {
		if err := s.sendErr(p); err != nil {
			return Receipt{}, err
		}
	}
	if !p.Amount.IsPositive() || p.Destination == "" {
		return Receipt{}, ErrRejected
	}
	if p.Reference != "" {
		if rc, ok := s.byRef[p.Reference]; ok {
			return rc, nil
		}
	}
	rc := Receipt{ID: "sim_" + uuid.NewString(), Fee: s.fee}
	s.sent[rc.ID] = p
	if p.Reference != "" {
		s.byRef[p.Reference] = rc
	}
	return rc, nil
}

// AwaitConfirmation implements Rail.
func (s *Simulated) AwaitConfirmation(ctx context.Context, r Receipt) (Confirmation, error) {
	if err := s.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[r.ID]; !ok {
		return Confirmation{}, ErrUnknownReceipt
	}
	s.settleCalls++
	if s.confirmErr != nil {
		if err := s.confirmErr(r); err != nil {
			return Confirmation{Receipt: r, Status: StatusFailed, Reason: err.Error()}, nil
		}
	}
	return Confirmation{Receipt: r, Status: StatusConfirmed}, nil
}

// Transfers returns the number of distinct transfers accepted.
func (s *Simulated) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// SendCalls returns how many times Send was invoked.
func (s *Simulated) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Total sums the amounts of every accepted transfer to destination.
func (s *Simulated) Total(destination string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, p := range s.sent {
		if p.Destination == destination {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
