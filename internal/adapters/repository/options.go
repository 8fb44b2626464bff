package repository

import (
	"time"

	"github.com/okian/bawo/pkg/logger"
)

type options struct {
	log             logger.Logger
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	slowThreshold   time.Duration
	migrate         bool
}

// Option applies a configuration option to Open.
type Option func(*options)

// WithLogger sets the logger used for SQL diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMaxOpenConns bounds the connection pool. Ignored for SQLite.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
			o.maxIdleConns = n
		}
	}
}

// WithSlowThreshold sets the duration above which queries are logged as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.slowThreshold = d
		}
	}
}

// WithoutMigrate skips AutoMigrate, for deployments that manage schema separately.
func WithoutMigrate() Option {
	return func(o *options) { o.migrate = false }
}
