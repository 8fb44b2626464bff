package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger routes gorm diagnostics into the service logger. Successful
// queries are logged at debug, slow ones at warn, failures at error.
type gormLogger struct {
	log   logger.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

func newGormLogger(l logger.Logger, slow time.Duration) *gormLogger {
	return &gormLogger{log: l, slow: slow, level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		sql, rows := fc()
		metrics.RecordError("store", "query")
		g.log.Error(ctx, "query failed",
			logger.Error(err), logger.String("sql", sql), logger.Int64("rows", rows), logger.Duration("elapsed", elapsed))
	case g.slow > 0 && elapsed > g.slow:
		sql, rows := fc()
		g.log.Warn(ctx, "slow query",
			logger.String("sql", sql), logger.Int64("rows", rows), logger.Duration("elapsed", elapsed))
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug(ctx, "query", logger.String("sql", sql), logger.Int64("rows", rows), logger.Duration("elapsed", elapsed))
	}
}
