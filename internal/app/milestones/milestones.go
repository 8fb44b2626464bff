// Package milestones pays engagement bonuses: consecutive-day streaks and
// the one-time referral bonus once a referee becomes active.
package milestones

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/streak"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StreakStats summarizes a worker's activity streaks.
type StreakStats struct {
	Current         int             `json:"current_streak"`
	Longest         int             `json:"longest_streak"`
	TotalBonusesUSD decimal.Decimal `json:"total_bonuses_usd"`
	// NextMilestone is the smallest milestone above the current streak, 0 when
	// every milestone is behind.
	NextMilestone int `json:"next_milestone,omitempty"`
}

// ReferralStats summarizes a referrer's referees.
type ReferralStats struct {
	TotalReferrals  int64           `json:"total_referrals"`
	ActiveReferrals int64           `json:"active_referrals"`
	TotalEarnedUSD  decimal.Decimal `json:"total_earned_usd"`
	Code            string          `json:"referral_code"`
}

// Service evaluates milestones.
type Service struct {
	db         *gorm.DB
	payouts    *payouts.Service
	ledger     *ledger.Service
	milestones []Milestone
	referral   Referral
	dispatch   payouts.Dispatcher
	now        func() time.Time
	log        logger.Logger
}

// New creates a milestone service.
func New(db *gorm.DB, p *payouts.Service, l *ledger.Service, opts ...Option) *Service {
	s := &Service{
		db:         db,
		payouts:    p,
		ledger:     l,
		milestones: DefaultMilestones(),
		referral:   DefaultReferral(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("milestones")
	}
	return s
}

// RecordActivity marks today as active for the worker.
func (s *Service) RecordActivity(ctx context.Context, workerID string) error {
	rec := model.StreakRecord{WorkerID: workerID, Day: streak.Day(s.now()), TasksCompleted: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}, {Name: "streak_date"}},
		DoUpdates: clause.Assignments(map[string]any{"tasks_completed": gorm.Expr("tasks_completed + 1")}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *Service) days(ctx context.Context, workerID string) ([]string, error) {
	var days []string
	err := s.db.WithContext(ctx).Model(&model.StreakRecord{}).
		Where("worker_id = ?", workerID).
		Order("streak_date DESC").
		Pluck("streak_date", &days).Error
	if err != nil {
		return nil, fmt.Errorf("load streak days: %w", err)
	}
	return days, nil
}

// CurrentStreak returns the number of consecutive active days ending today
// or yesterday.
func (s *Service) CurrentStreak(ctx context.Context, workerID string) (int, error) {
	days, err := s.days(ctx, workerID)
	if err != nil {
		return 0, err
	}
	return streak.Current(days, s.now()).Length, nil
}

// CheckStreakMilestones pays every milestone the current streak has reached.
// Each milestone pays a worker at most once.
func (s *Service) CheckStreakMilestones(ctx context.Context, workerID string) ([]string, error) {
	current, err := s.CurrentStreak(ctx, workerID)
	if err != nil {
		return nil, err
	}
	var issued []string
	for _, m := range s.milestones {
		if current < m.Days {
			continue
		}
		days := strconv.Itoa(m.Days)
		var id string
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, created, err := s.payouts.Issue(ctx, tx, payouts.Request{
				WorkerID: workerID,
				Amount:   m.Amount,
				Type:     model.TxStreakBonus,
				Key:      payouts.Key(model.TxStreakBonus, workerID, days),
			})
			if err != nil {
				return err
			}
			if !created {
				return nil
			}
			if m.Points > 0 {
				if _, err := s.ledger.Award(ctx, tx, ledger.Grant{
					WorkerID:  workerID,
					Points:    m.Points,
					Activity:  model.ActivityStreakBonus,
					Reference: "streak_bonus:" + workerID + ":" + days,
				}); err != nil {
					return err
				}
			}
			id = row.ID
			return nil
		})
		if err != nil {
			s.send(ctx, "streak", issued)
			return issued, err
		}
		if id != "" {
			issued = append(issued, id)
			metrics.RecordMilestone("streak_" + days)
			s.log.Info(ctx, "streak milestone reached", logger.String("worker_id", workerID), logger.Int("days", m.Days))
		}
	}
	s.send(ctx, "streak", issued)
	return issued, nil
}

// CheckReferral pays the referral bonus when the referee's completed count
// equals the threshold exactly. Both payouts are keyed by the referee, so the
// bonus is paid once per referral.
func (s *Service) CheckReferral(ctx context.Context, refereeID string) ([]string, error) {
	var issued []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referee model.Worker
		if err := tx.Where("id = ?", refereeID).Take(&referee).Error; err != nil {
			return repository.NotFound(err, ErrWorkerNotFound)
		}
		if referee.ReferredBy == nil || *referee.ReferredBy == "" || referee.TasksCompleted != s.referral.Threshold {
			return nil
		}
		referrerID := *referee.ReferredBy

		for _, p := range []struct {
			worker, role string
			amount       decimal.Decimal
		}{
			{referrerID, "referrer", s.referral.ReferrerUSD},
			{refereeID, "referee", s.referral.RefereeUSD},
		} {
			if !p.amount.IsPositive() {
				continue
			}
			row, created, err := s.payouts.Issue(ctx, tx, payouts.Request{
				WorkerID: p.worker,
				Amount:   p.amount,
				Type:     model.TxReferralBonus,
				Key:      payouts.Key(model.TxReferralBonus, refereeID, p.role),
			})
			if err != nil {
				return err
			}
			if created {
				issued = append(issued, row.ID)
			}
		}
		if s.referral.Points > 0 {
			if _, err := s.ledger.Award(ctx, tx, ledger.Grant{
				WorkerID:  referrerID,
				Points:    s.referral.Points,
				Activity:  model.ActivityReferralBonus,
				Reference: "referral_bonus:" + refereeID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(issued) > 0 {
		metrics.RecordMilestone("referral")
		s.log.Info(ctx, "referral bonus earned", logger.String("referee_id", refereeID))
	}
	s.send(ctx, "referral", issued)
	return issued, nil
}

func (s *Service) send(ctx context.Context, source string, ids []string) {
	if s.dispatch != nil && len(ids) > 0 {
		s.dispatch.Dispatch(ctx, source, ids...)
	}
}

// StreakStats returns current and longest streaks and the confirmed streak
// bonuses paid so far.
func (s *Service) StreakStats(ctx context.Context, workerID string) (*StreakStats, error) {
	if err := s.requireWorker(ctx, workerID); err != nil {
		return nil, err
	}
	days, err := s.days(ctx, workerID)
	if err != nil {
		return nil, err
	}
	paid, err := s.payouts.Confirmed(ctx, workerID, model.TxStreakBonus)
	if err != nil {
		return nil, err
	}
	st := &StreakStats{
		Current:         streak.Current(days, s.now()).Length,
		Longest:         streak.Longest(days),
		TotalBonusesUSD: paid.Amount,
	}
	for _, m := range s.milestones {
		if m.Days > st.Current {
			st.NextMilestone = m.Days
			break
		}
	}
	return st, nil
}

// ReferralStats counts a worker's referees, how many are active and the
// confirmed referral bonuses the worker received.
func (s *Service) ReferralStats(ctx context.Context, workerID string) (*ReferralStats, error) {
	if err := s.requireWorker(ctx, workerID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	st := &ReferralStats{Code: ReferralCode(workerID)}
	if err := db.Model(&model.Worker{}).Where("referred_by = ?", workerID).Count(&st.TotalReferrals).Error; err != nil {
		return nil, fmt.Errorf("count referrals: %w", err)
	}
	if err := db.Model(&model.Worker{}).
		Where("referred_by = ? AND tasks_completed >= ?", workerID, s.referral.Threshold).
		Count(&st.ActiveReferrals).Error; err != nil {
		return nil, fmt.Errorf("count active referrals: %w", err)
	}
	paid, err := s.payouts.Confirmed(ctx, workerID, model.TxReferralBonus)
	if err != nil {
		return nil, err
	}
	// a referee's own bonus is also a referral_bonus row on their account;
	// only count what this worker earned as a referrer
	own, err := s.ownRefereeBonus(ctx, workerID)
	if err != nil {
		return nil, err
	}
	st.TotalEarnedUSD = paid.Amount.Sub(own)
	return st, nil
}

func (s *Service) ownRefereeBonus(ctx context.Context, workerID string) (decimal.Decimal, error) {
	var rows []model.Transaction
	err := s.db.WithContext(ctx).Select("amount_usd").
		Where("idempotency_key = ? AND status = ?", payouts.Key(model.TxReferralBonus, workerID, "referee"), model.TxConfirmed).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("referee bonus: %w", err)
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.AmountUSD)
	}
	return sum, nil
}

func (s *Service) requireWorker(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Worker{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("find worker: %w", err)
	}
	if n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// ReferralCode encodes a worker id for sharing in referral links.
func ReferralCode(workerID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(workerID))
}

// ParseReferralCode decodes a referral code back to a worker id.
func ParseReferralCode(code string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil || len(b) == 0 {
		return "", ErrInvalidReferralCode
	}
	return string(b), nil
}
