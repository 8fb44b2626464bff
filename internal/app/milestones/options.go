package milestones

import (
	"time"

	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/pkg/logger"
	"github.com/shopspring/decimal"
)

// Milestone is a streak length and what reaching it pays.
type Milestone struct {
	Days   int
	Amount decimal.Decimal
	Points int64
}

// Referral configures the referral bonus.
type Referral struct {
	// Threshold is the referee's completed-task count that triggers the bonus.
	Threshold   int64
	ReferrerUSD decimal.Decimal
	RefereeUSD  decimal.Decimal
	// Points are awarded to the referrer alongside the payout.
	Points int64
}

// DefaultMilestones pays $0.50 at seven days and $5.00 at thirty.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Days: 7, Amount: decimal.RequireFromString("0.50"), Points: 50},
		{Days: 30, Amount: decimal.RequireFromString("5.00"), Points: 300},
	}
}

// DefaultReferral pays $1.00 to the referrer and $0.50 to the referee once
// the referee completes ten tasks.
func DefaultReferral() Referral {
	return Referral{
		Threshold:   10,
		ReferrerUSD: decimal.RequireFromString("1.00"),
		RefereeUSD:  decimal.RequireFromString("0.50"),
		Points:      100,
	}
}

// Option configures the service.
type Option func(*Service)

// WithMilestones replaces the streak milestones.
func WithMilestones(ms []Milestone) Option {
	return func(s *Service) {
		if len(ms) > 0 {
			s.milestones = ms
		}
	}
}

// WithReferral replaces the referral policy.
func WithReferral(r Referral) Option {
	return func(s *Service) {
		if r.Threshold > 0 {
			s.referral = r
		}
	}
}

// WithDispatcher hands issued bonuses to d after each commit.
func WithDispatcher(d payouts.Dispatcher) Option {
	return func(s *Service) { s.dispatch = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}
