// Package apptest holds store fixtures shared by the application tests.
package apptest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var initLogger sync.Once

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t.UTC()} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// DB opens a private migrated in-memory store closed at test cleanup.
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	initLogger.Do(func() {
		_ = logger.Init()
		_ = logger.SetLevelString("error")
	})
	db, err := repository.Open(context.Background(), repository.DriverSQLite, repository.MemoryDSN())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repository.Close(db) })
	return db
}

// Worker inserts a newcomer worker.
func Worker(t testing.TB, db *gorm.DB, mutate ...func(*model.Worker)) *model.Worker {
	t.Helper()
	w := &model.Worker{
		ID:         uuid.NewString(),
		Address:    "addr-" + uuid.NewString(),
		Tier:       model.TierNewcomer,
		BalanceUSD: decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}
	for _, m := range mutate {
		m(w)
	}
	if err := db.Create(w).Error; err != nil {
		t.Fatalf("create worker: %v", err)
	}
	return w
}

// Task inserts a pending sentiment task paying $0.10.
func Task(t testing.TB, db *gorm.DB, mutate ...func(*model.Task)) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:         uuid.NewString(),
		ProjectID:  "project-1",
		Content:    "the battery lasts all day",
		Type:       model.TaskSentiment,
		Options:    model.StringList(model.TaskSentiment.DefaultOptions()),
		PayAmount:  decimal.RequireFromString("0.10"),
		Status:     model.StatusPending,
		AssignedTo: model.StringList{},
		CreatedAt:  time.Now().UTC(),
	}
	for _, m := range mutate {
		m(task)
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// Reload reads a fresh copy of an entity by primary key.
func Reload[T any](t testing.TB, db *gorm.DB, id string) *T {
	t.Helper()
	var out T
	if err := db.Where("id = ?", id).Take(&out).Error; err != nil {
		t.Fatalf("reload %T %s: %v", out, id, err)
	}
	return &out
}

// USD parses a decimal literal.
func USD(s string) decimal.Decimal { return decimal.RequireFromString(s) }
