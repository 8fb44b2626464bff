package payouts

import (
	"time"

	"github.com/okian/bawo/pkg/logger"
)

// Option configures the payout service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLease sets how long an executor owns a claimed transaction before
// the retry sweep may take it over.
func WithLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithMaxAttempts caps how many times a failed transaction is retried.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}
