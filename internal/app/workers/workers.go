// Package workers persists worker identity and reputation. It is the only
// writer of accuracy, tier and completed-task counts.
package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/reputation"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxVerificationLevel = 2

// Registration describes a new worker.
type Registration struct {
	Address           string `json:"address"`
	VerificationLevel int    `json:"verification_level"`
	ReferrerID        string `json:"referrer_id,omitempty"`
}

// Standing is one leaderboard row.
type Standing struct {
	Rank           int        `json:"rank"`
	WorkerID       string     `json:"worker_id"`
	Tier           model.Tier `json:"tier"`
	Accuracy       float64    `json:"accuracy"`
	TasksCompleted int64      `json:"tasks_completed"`
	Score          float64    `json:"score"`
}

// Option configures the service.
type Option func(*Service)

// WithQualityBonusPoints sets the points per tier rank awarded on promotion.
func WithQualityBonusPoints(n int64) Option {
	return func(s *Service) { s.qualityPoints = n }
}

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

// Service manages workers.
type Service struct {
	db            *gorm.DB
	tracker       *reputation.Tracker
	ledger        *ledger.Service
	qualityPoints int64
	now           func() time.Time
	log           logger.Logger
}

// New creates the worker service.
func New(db *gorm.DB, tracker *reputation.Tracker, led *ledger.Service, opts ...Option) *Service {
	s := &Service{db: db, tracker: tracker, ledger: led, qualityPoints: 100, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("workers")
	}
	return s
}

// Register creates a worker.
func (s *Service) Register(ctx context.Context, r Registration) (*model.Worker, error) {
	addr := strings.TrimSpace(r.Address)
	switch {
	case addr == "":
		return nil, ErrInvalidAddress
	case r.VerificationLevel < 0 || r.VerificationLevel > maxVerificationLevel:
		return nil, ErrInvalidVerification
	}
	w := &model.Worker{
		ID:                uuid.NewString(),
		Address:           addr,
		VerificationLevel: r.VerificationLevel,
		Tier:              model.TierNewcomer,
		BalanceUSD:        decimal.Zero,
		CreatedAt:         s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.ReferrerID != "" {
			if err := s.requireWorker(tx, r.ReferrerID, ErrReferrerNotFound); err != nil {
				return err
			}
			ref := r.ReferrerID
			w.ReferredBy = &ref
		}
		if err := tx.Create(w).Error; err != nil {
			if repository.IsDuplicate(err) {
				return ErrAddressTaken
			}
			return fmt.Errorf("create worker: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "worker registered", logger.String("worker_id", w.ID), logger.Int("verification", w.VerificationLevel))
	return w, nil
}

// SetReferrer links a worker to the one who referred them. It can be set once.
func (s *Service) SetReferrer(ctx context.Context, workerID, referrerID string) error {
	if workerID == referrerID {
		return ErrSelfReferral
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireWorker(tx, referrerID, ErrReferrerNotFound); err != nil {
			return err
		}
		w, err := s.lock(tx, workerID)
		if err != nil {
			return err
		}
		if w.ReferredBy != nil {
			return ErrReferrerAlreadyKnown
		}
		return tx.Model(&model.Worker{}).Where("id = ?", workerID).Update("referred_by", referrerID).Error
	})
}

// Get loads a worker.
func (s *Service) Get(ctx context.Context, id string) (*model.Worker, error) {
	var w model.Worker
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&w).Error; err != nil {
		return nil, repository.NotFound(err, ErrWorkerNotFound)
	}
	return &w, nil
}

// ByAddress loads a worker by payout address.
func (s *Service) ByAddress(ctx context.Context, address string) (*model.Worker, error) {
	var w model.Worker
	if err := s.db.WithContext(ctx).Where("address = ?", address).Take(&w).Error; err != nil {
		return nil, repository.NotFound(err, ErrWorkerNotFound)
	}
	return &w, nil
}

// UpdateAccuracy folds one golden outcome into the worker's record inside tx.
// A promotion earns quality-bonus points once per tier reached.
func (s *Service) UpdateAccuracy(ctx context.Context, tx *gorm.DB, workerID string, correct bool) (reputation.Stats, error) {
	return s.apply(ctx, tx, workerID, func(st reputation.Stats) reputation.Stats {
		return s.tracker.ApplyGolden(st, correct)
	})
}

// RecordCompletion counts a non-golden submission inside tx.
func (s *Service) RecordCompletion(ctx context.Context, tx *gorm.DB, workerID string) (reputation.Stats, error) {
	return s.apply(ctx, tx, workerID, s.tracker.ApplyCompletion)
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, workerID string, fn func(reputation.Stats) reputation.Stats) (reputation.Stats, error) {
	tx = tx.WithContext(ctx)
	w, err := s.lock(tx, workerID)
	if err != nil {
		return reputation.Stats{}, err
	}
	prev := reputation.FromWorker(w)
	next := fn(prev)
	if err := tx.Model(&model.Worker{}).Where("id = ?", workerID).Updates(map[string]any{
		"golden_total":    next.GoldenTotal,
		"golden_correct":  next.GoldenCorrect,
		"tasks_completed": next.TasksCompleted,
		"accuracy_rate":   next.Accuracy,
		"tier":            next.Tier,
	}).Error; err != nil {
		return reputation.Stats{}, fmt.Errorf("update reputation: %w", err)
	}
	if next.Tier != prev.Tier {
		metrics.RecordTierChange(string(next.Tier))
		s.log.Info(ctx, "tier changed", logger.String("worker_id", workerID),
			logger.String("from", string(prev.Tier)), logger.String("to", string(next.Tier)))
	}
	if reputation.Promoted(prev.Tier, next.Tier) && s.qualityPoints > 0 {
		if _, err := s.ledger.Award(ctx, tx, ledger.Grant{
			WorkerID:  workerID,
			Points:    s.qualityPoints * int64(next.Tier.Rank()),
			Activity:  model.ActivityQualityBonus,
			Reference: "quality_bonus:" + workerID + ":" + string(next.Tier),
		}); err != nil {
			return reputation.Stats{}, err
		}
	}
	return next, nil
}

// Score returns the worker's reputation score.
func (s *Service) Score(w *model.Worker) float64 {
	return s.tracker.Score(reputation.FromWorker(w))
}

// Leaderboard ranks workers with at least one completed task by score.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	accW, expW, expCap := s.tracker.ScoreWeights()
	order := clause.OrderBy{Expression: clause.Expr{
		SQL:                "(accuracy_rate * ? + (CASE WHEN tasks_completed >= ? THEN 100 ELSE tasks_completed * 100.0 / ? END) * ?) DESC, tasks_completed DESC, id",
		Vars:               []any{accW, expCap, expCap, expW},
		WithoutParentheses: true,
	}}
	var rows []model.Worker
	if err := s.db.WithContext(ctx).Where("tasks_completed > 0").
		Order(order).Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	out := make([]Standing, len(rows))
	for i := range rows {
		w := &rows[i]
		out[i] = Standing{
			Rank:           i + 1,
			WorkerID:       w.ID,
			Tier:           w.Tier,
			Accuracy:       w.AccuracyRate,
			TasksCompleted: w.TasksCompleted,
			Score:          s.Score(w),
		}
	}
	return out, nil
}

// TierCounts returns how many workers sit in each tier.
func (s *Service) TierCounts(ctx context.Context) (map[model.Tier]int64, error) {
	type row struct {
		Tier model.Tier
		N    int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&model.Worker{}).
		Select("tier, COUNT(*) AS n").Group("tier").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	out := make(map[model.Tier]int64, len(rows))
	for _, r := range rows {
		out[r.Tier] = r.N
	}
	return out, nil
}

func (s *Service) lock(tx *gorm.DB, id string) (*model.Worker, error) {
	var w model.Worker
	if err := repository.ForUpdate(tx).Where("id = ?", id).Take(&w).Error; err != nil {
		return nil, repository.NotFound(err, ErrWorkerNotFound)
	}
	return &w, nil
}

func (s *Service) requireWorker(tx *gorm.DB, id string, missing error) error {
	var n int64
	if err := tx.Model(&model.Worker{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
