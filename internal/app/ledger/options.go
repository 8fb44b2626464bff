package ledger

import (
	"time"

	"github.com/okian/bawo/pkg/logger"
	"github.com/shopspring/decimal"
)

// Policy holds the points economy parameters.
type Policy struct {
	PointsPerUSD  int64
	MinRedemption int64
	// PoolShare is the fraction of monthly revenue available for redemptions.
	PoolShare    decimal.Decimal
	ExpiryMonths int
	// ActiveWindow is how recently a worker must have answered a task to redeem.
	ActiveWindow time.Duration
}

// DefaultPolicy returns 100 points per dollar, a 1000 point minimum, a 20%
// pool, 12 month expiry and a 30 day activity window.
func DefaultPolicy() Policy {
	return Policy{
		PointsPerUSD:  100,
		MinRedemption: 1000,
		PoolShare:     decimal.RequireFromString("0.20"),
		ExpiryMonths:  12,
		ActiveWindow:  30 * 24 * time.Hour,
	}
}

// Option configures the ledger.
type Option func(*Service)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}
