package service

import (
	"time"

	"github.com/okian/bawo/internal/adapters/lock"
	"github.com/okian/bawo/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithLocker sets the lock guarding the sweep. Defaults to a process-local lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGoldenRand overrides the random source behind golden injection.
func WithGoldenRand(fn func() float64) Option {
	return func(s *Service) {
		if fn != nil {
			s.goldenRand = fn
		}
	}
}

// WithInlinePayouts executes payouts on the request goroutine instead of the
// queued worker pool.
func WithInlinePayouts() Option {
	return func(s *Service) { s.inline = true }
}
