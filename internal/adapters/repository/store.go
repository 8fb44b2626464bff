// Package repository opens the transactional store that holds all task,
// ledger and payment state, and provides the locking helpers the engine
// relies on for its critical sections.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Models lists every persisted entity in migration order.
func Models() []any {
	return []any{
		&model.Client{},
		&model.Project{},
		&model.Task{},
		&model.Response{},
		&model.Worker{},
		&model.PointsEntry{},
		&model.RevenueMonth{},
		&model.Transaction{},
		&model.StreakRecord{},
	}
}

// Open connects to the store, configures the pool and migrates the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*gorm.DB, error) {
	o := options{
		maxOpenConns:    25,
		maxIdleConns:    25,
		connMaxLifetime: 5 * time.Minute,
		slowThreshold:   200 * time.Millisecond,
		migrate:         true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get().Named("store")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
		// One connection serializes writers, which is how SQLite behaves anyway
		// and keeps shared in-memory databases alive between calls.
		o.maxOpenConns = 1
		o.maxIdleConns = 1
		o.connMaxLifetime = 0
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(o.log, o.slowThreshold),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	sqlDB.SetMaxOpenConns(o.maxOpenConns)
	sqlDB.SetMaxIdleConns(o.maxIdleConns)
	sqlDB.SetConnMaxLifetime(o.connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("%w: ping: %w", ErrOpen, err)
	}

	if o.migrate {
		if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMigrate, err)
		}
	}

	o.log.Info(ctx, "store ready", logger.String("driver", driver))
	return db, nil
}

// MemoryDSN returns a DSN for a private, shared-cache in-memory SQLite
// database. Each call yields a fresh database.
func MemoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForUpdate adds a row lock to the next SELECT when the dialect supports one.
// SQLite serializes writers at the database level, so the clause is skipped.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == DriverSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

// NotFound maps gorm's record-not-found onto target, passing other errors through.
func NotFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// IsDuplicate reports a unique-constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
