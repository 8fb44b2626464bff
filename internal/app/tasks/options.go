package tasks

import (
	"time"

	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
)

// Option configures the queue.
type Option func(*Service)

// WithFanOut sets how many workers answer each regular task.
func WithFanOut(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.fanOut = k
		}
	}
}

// WithHeldLimit caps the unanswered tasks of one type a worker may hold.
func WithHeldLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.heldLimit = n
		}
	}
}

// WithMinVerification sets the verification level each task type requires.
func WithMinVerification(levels map[model.TaskType]int) Option {
	return func(s *Service) {
		if levels != nil {
			s.minVerification = levels
		}
	}
}

// WithScanBatch sets how many FIFO candidates are read per scan.
func WithScanBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.scanBatch = n
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

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}
