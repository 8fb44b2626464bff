// Package ledger keeps the reward points ledger and the monthly redemption
// pool that caps how much of the month's revenue points can be cashed out for.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const monthLayout = "2006-01"

// Grant is one award of points. A non-empty Reference makes the grant
// idempotent: a second grant with the same reference is ignored.
type Grant struct {
	WorkerID  string
	Points    int64
	Activity  model.Activity
	Reference string
}

// Redemption is the outcome of a successful redemption.
type Redemption struct {
	Requested     int64           `json:"requested_points"`
	Consumed      int64           `json:"consumed_points"`
	AmountUSD     decimal.Decimal `json:"amount_usd"`
	TransactionID string          `json:"transaction_id"`
	Status        model.TxStatus  `json:"status"`
	Receipt       string          `json:"receipt,omitempty"`
}

// Balance summarizes a worker's redeemable points.
type Balance struct {
	Available         int64                    `json:"available_points"`
	Breakdown         map[model.Activity]int64 `json:"breakdown"`
	ValueUSD          decimal.Decimal          `json:"value_usd"`
	MinimumRedemption int64                    `json:"minimum_redemption"`
	Pool              PoolStatus               `json:"redemption_pool"`
}

// PoolStatus describes the current month's redemption pool.
type PoolStatus struct {
	Month       string          `json:"month"`
	RevenueUSD  decimal.Decimal `json:"revenue_usd"`
	CapUSD      decimal.Decimal `json:"cap_usd"`
	RedeemedUSD decimal.Decimal `json:"redeemed_usd"`
	Available   decimal.Decimal `json:"available_usd"`
	// Percentage is the share of the cap still available.
	Percentage float64 `json:"percentage"`
}

// Service is the reward ledger.
type Service struct {
	db      *gorm.DB
	payouts *payouts.Service
	policy  Policy
	now     func() time.Time
	log     logger.Logger
}

// New creates a ledger that pays redemptions through p.
func New(db *gorm.DB, p *payouts.Service, opts ...Option) *Service {
	s := &Service{db: db, payouts: p, policy: DefaultPolicy(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("ledger")
	}
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

// Award appends a points entry inside tx, or on its own when tx is nil. It
// reports whether an entry was written.
func (s *Service) Award(ctx context.Context, tx *gorm.DB, g Grant) (bool, error) {
	switch {
	case g.Points <= 0:
		return false, ErrInvalidPoints
	case !g.Activity.Valid():
		return false, fmt.Errorf("%w: %q", ErrInvalidActivity, g.Activity)
	}
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)

	var n int64
	if err := tx.Model(&model.Worker{}).Where("id = ?", g.WorkerID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("award points: %w", err)
	}
	if n == 0 {
		return false, ErrWorkerNotFound
	}

	now := s.now().UTC()
	entry := model.PointsEntry{
		ID:        uuid.NewString(),
		WorkerID:  g.WorkerID,
		Points:    g.Points,
		Activity:  g.Activity,
		IssuedAt:  now,
		ExpiresAt: now.AddDate(0, s.policy.ExpiryMonths, 0),
	}
	if g.Reference != "" {
		ref := g.Reference
		entry.Reference = &ref
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("award points: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	metrics.RecordPointsAwarded(string(g.Activity), g.Points)
	return true, nil
}

// Available sums non-redeemed, non-expired points.
func (s *Service) Available(ctx context.Context, workerID string) (int64, error) {
	var total int64
	err := s.live(s.db.WithContext(ctx), workerID, s.now().UTC()).
		Select("COALESCE(SUM(points), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("available points: %w", err)
	}
	return total, nil
}

// Breakdown groups available points by activity.
func (s *Service) Breakdown(ctx context.Context, workerID string) (map[model.Activity]int64, error) {
	type row struct {
		Activity model.Activity
		Points   int64
	}
	var rows []row
	err := s.live(s.db.WithContext(ctx), workerID, s.now().UTC()).
		Select("activity_type AS activity, SUM(points) AS points").
		Group("activity_type").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("points breakdown: %w", err)
	}
	out := make(map[model.Activity]int64, len(rows))
	for _, r := range rows {
		out[r.Activity] = r.Points
	}
	return out, nil
}

// Balance returns available points, their breakdown and the pool status.
func (s *Service) Balance(ctx context.Context, workerID string) (*Balance, error) {
	if err := s.workerExists(ctx, workerID); err != nil {
		return nil, err
	}
	avail, err := s.Available(ctx, workerID)
	if err != nil {
		return nil, err
	}
	breakdown, err := s.Breakdown(ctx, workerID)
	if err != nil {
		return nil, err
	}
	pool, err := s.PoolStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Available:         avail,
		Breakdown:         breakdown,
		ValueUSD:          s.toUSD(avail),
		MinimumRedemption: s.policy.MinRedemption,
		Pool:              *pool,
	}, nil
}

// Redeem converts points to cash. Preconditions are checked in order:
// minimum, available points, pool, recent activity. Entries are consumed
// whole, oldest first, so the consumed total can exceed the request by at
// most one entry. The payout is attempted before returning; a rail failure
// leaves it failed for the retry sweep and does not fail the redemption.
func (s *Service) Redeem(ctx context.Context, workerID, destination string, points int64) (*Redemption, error) {
	if err := s.workerExists(ctx, workerID); err != nil {
		return nil, err
	}
	if points < s.policy.MinRedemption {
		metrics.RecordRedemption(string(ReasonMinimumNotMet), points)
		return nil, refuse(ReasonMinimumNotMet, "%d < %d", points, s.policy.MinRedemption)
	}
	amount := s.toUSD(points)

	var out Redemption
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		month, err := s.lockMonth(tx, now)
		if err != nil {
			return err
		}

		var entries []model.PointsEntry
		if err := repository.ForUpdate(s.live(tx, workerID, now)).
			Order("issued_at, id").Find(&entries).Error; err != nil {
			return fmt.Errorf("load points: %w", err)
		}
		var available int64
		for _, e := range entries {
			available += e.Points
		}
		if points > available {
			return refuse(ReasonInsufficientPoints, "%d > %d", points, available)
		}

		if remaining := s.remaining(month); amount.GreaterThan(remaining) {
			return refuse(ReasonPoolInsufficient, "$%s > $%s", amount.StringFixed(2), remaining.StringFixed(2))
		}

		var recent int64
		if err := tx.Model(&model.Response{}).
			Where("worker_id = ? AND submitted_at >= ?", workerID, now.Add(-s.policy.ActiveWindow)).
			Count(&recent).Error; err != nil {
			return fmt.Errorf("check activity: %w", err)
		}
		if recent == 0 {
			return refuse(ReasonInactiveWorker, "no responses in the last %s", s.policy.ActiveWindow)
		}

		ids := make([]string, 0, len(entries))
		var consumed int64
		for _, e := range entries {
			if consumed >= points {
				break
			}
			ids = append(ids, e.ID)
			consumed += e.Points
		}
		if err := tx.Model(&model.PointsEntry{}).Where("id IN ?", ids).
			Updates(map[string]any{"redeemed": true, "redeemed_at": now}).Error; err != nil {
			return fmt.Errorf("consume points: %w", err)
		}
		if err := tx.Model(&model.RevenueMonth{}).Where("month = ?", month.Month).
			Updates(map[string]any{
				"points_redeemed_usd": month.PointsRedeemedUSD.Add(amount),
				"updated_at":          now,
			}).Error; err != nil {
			return fmt.Errorf("charge pool: %w", err)
		}

		row, _, err := s.payouts.Issue(ctx, tx, payouts.Request{
			WorkerID:    workerID,
			Amount:      amount,
			Type:        model.TxPointsRedemption,
			Key:         payouts.Key(model.TxPointsRedemption, workerID, uuid.NewString()),
			Destination: destination,
		})
		if err != nil {
			return err
		}
		out = Redemption{
			Requested:     points,
			Consumed:      consumed,
			AmountUSD:     amount,
			TransactionID: row.ID,
			Status:        row.Status,
		}
		return nil
	})
	if err != nil {
		var re *RedeemError
		if errors.As(err, &re) {
			metrics.RecordRedemption(string(re.Reason), points)
		}
		return nil, err
	}
	metrics.RecordRedemption("ok", points)

	row, err := s.payouts.Execute(ctx, out.TransactionID)
	if err != nil {
		s.log.Error(ctx, "redemption payout", logger.String("transaction_id", out.TransactionID), logger.Error(err))
		return &out, nil
	}
	out.Status = row.Status
	out.Receipt = row.Receipt
	return &out, nil
}

// PoolRemaining returns the USD still redeemable this month.
func (s *Service) PoolRemaining(ctx context.Context) (decimal.Decimal, error) {
	st, err := s.PoolStatus(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return st.Available, nil
}

// PoolStatus reports the current month's pool.
func (s *Service) PoolStatus(ctx context.Context) (*PoolStatus, error) {
	key := s.now().UTC().Format(monthLayout)
	var m model.RevenueMonth
	err := s.db.WithContext(ctx).Where("month = ?", key).Take(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		m = model.RevenueMonth{Month: key, TotalRevenueUSD: decimal.Zero, PointsRedeemedUSD: decimal.Zero}
	case err != nil:
		return nil, fmt.Errorf("pool status: %w", err)
	}
	st := &PoolStatus{
		Month:       key,
		RevenueUSD:  m.TotalRevenueUSD,
		CapUSD:      m.TotalRevenueUSD.Mul(s.policy.PoolShare),
		RedeemedUSD: m.PointsRedeemedUSD,
		Available:   s.remaining(&m),
	}
	if st.CapUSD.IsPositive() {
		st.Percentage = st.Available.Div(st.CapUSD).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	metrics.UpdatePoolRemaining(st.Available.InexactFloat64())
	return st, nil
}

// RecordRevenue adds recognized revenue to the current month inside tx, or
// on its own when tx is nil.
func (s *Service) RecordRevenue(ctx context.Context, tx *gorm.DB, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidRevenue
	}
	if tx == nil {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.RecordRevenue(ctx, tx, amount)
		})
	}
	now := s.now().UTC()
	m, err := s.lockMonth(tx.WithContext(ctx), now)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&model.RevenueMonth{}).Where("month = ?", m.Month).
		Updates(map[string]any{
			"total_revenue_usd": m.TotalRevenueUSD.Add(amount),
			"updated_at":        now,
		}).Error
}

// lockMonth makes sure the month row exists and locks it.
func (s *Service) lockMonth(tx *gorm.DB, now time.Time) (*model.RevenueMonth, error) {
	key := now.Format(monthLayout)
	seed := model.RevenueMonth{Month: key, TotalRevenueUSD: decimal.Zero, PointsRedeemedUSD: decimal.Zero, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "month"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed revenue month: %w", err)
	}
	var m model.RevenueMonth
	if err := repository.ForUpdate(tx).Where("month = ?", key).Take(&m).Error; err != nil {
		return nil, fmt.Errorf("lock revenue month: %w", err)
	}
	return &m, nil
}

func (s *Service) remaining(m *model.RevenueMonth) decimal.Decimal {
	left := m.TotalRevenueUSD.Mul(s.policy.PoolShare).Sub(m.PointsRedeemedUSD)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func (s *Service) live(db *gorm.DB, workerID string, now time.Time) *gorm.DB {
	return db.Model(&model.PointsEntry{}).
		Where("worker_id = ? AND redeemed = ? AND expires_at > ?", workerID, false, now)
}

func (s *Service) toUSD(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Div(decimal.NewFromInt(s.policy.PointsPerUSD))
}

func (s *Service) workerExists(ctx context.Context, workerID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Worker{}).Where("id = ?", workerID).Count(&n).Error; err != nil {
		return fmt.Errorf("lookup worker: %w", err)
	}
	if n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}
