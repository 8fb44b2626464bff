// Package payouts records payable events and settles them through the
// payment rail exactly once.
//
// Every payout is a transactions row keyed by an idempotency key that names
// the event it pays for. Issue inserts the row inside the caller's database
// transaction, so the payout exists if and only if the event committed.
// Execute claims the row with a time-boxed lease, sends it, awaits
// confirmation and records the outcome. Failed and abandoned rows are picked
// up again by Retry; the key is also handed to the rail so a resend after an
// unknown outcome cannot settle twice.
package payouts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxErrorLen = 500

// Request describes one payable event. Destination defaults to the worker's
// registered address.
type Request struct {
	WorkerID    string
	Amount      decimal.Decimal
	Type        model.TxType
	TaskID      *string
	Key         string
	Destination string
}

// Key builds an idempotency key from its parts.
func Key(kind model.TxType, parts ...string) string {
	k := string(kind)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Service issues and settles payouts.
type Service struct {
	db          *gorm.DB
	rail        rail.Rail
	log         logger.Logger
	now         func() time.Time
	lease       time.Duration
	maxAttempts int
}

// New creates a payout service.
func New(db *gorm.DB, r rail.Rail, opts ...Option) *Service {
	s := &Service{
		db:          db,
		rail:        r,
		now:         time.Now,
		lease:       2 * time.Minute,
		maxAttempts: 5,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("payouts")
	}
	return s
}

// Issue records a pending payout inside tx. It returns the stored row and
// whether this call created it; a repeated key returns the original row.
func (s *Service) Issue(ctx context.Context, tx *gorm.DB, req Request) (*model.Transaction, bool, error) {
	switch {
	case !req.Amount.IsPositive():
		return nil, false, ErrInvalidAmount
	case req.Key == "":
		return nil, false, ErrMissingKey
	case !req.Type.Outgoing():
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedType, req.Type)
	}
	tx = tx.WithContext(ctx)

	var w model.Worker
	if err := repository.ForUpdate(tx).Where("id = ?", req.WorkerID).Take(&w).Error; err != nil {
		return nil, false, repository.NotFound(err, ErrWorkerNotFound)
	}

	dest := req.Destination
	if dest == "" {
		dest = w.Address
	}
	now := s.now().UTC()
	row := model.Transaction{
		ID:             uuid.NewString(),
		WorkerID:       req.WorkerID,
		AmountUSD:      req.Amount,
		FeeUSD:         decimal.Zero,
		Type:           req.Type,
		Destination:    dest,
		Status:         model.TxPending,
		TaskID:         req.TaskID,
		IdempotencyKey: req.Key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert payout %s: %w", req.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		var existing model.Transaction
		if err := tx.Where("idempotency_key = ?", req.Key).Take(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("load payout %s: %w", req.Key, err)
		}
		metrics.RecordPayoutDuplicate()
		return &existing, false, nil
	}

	if err := tx.Model(&model.Worker{}).Where("id = ?", w.ID).
		Update("balance_usd", w.BalanceUSD.Add(req.Amount)).Error; err != nil {
		return nil, false, fmt.Errorf("credit balance: %w", err)
	}
	metrics.RecordPayoutIssued(string(req.Type))
	return &row, true, nil
}

// Execute settles one payout. Confirmed rows and rows claimed by another
// executor are returned unchanged. Rail failures are recorded on the row and
// are not returned as errors; only store failures are.
func (s *Service) Execute(ctx context.Context, id string) (*model.Transaction, error) {
	claimed, err := s.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	row, err := s.Get(ctx, id)
	if err != nil || !claimed {
		return row, err
	}

	log := s.log.With(logger.String("transaction_id", row.ID), logger.String("tx_type", string(row.Type)))
	receipt, err := s.rail.Send(ctx, rail.Payment{
		Destination: row.Destination,
		Amount:      row.AmountUSD,
		Reference:   row.IdempotencyKey,
	})
	if err != nil {
		log.Warn(ctx, "payout send failed", logger.Int("attempt", row.Attempts), logger.Error(err))
		return s.fail(ctx, row, "", err)
	}
	conf, err := s.rail.AwaitConfirmation(ctx, receipt)
	if err == nil && conf.Status != rail.StatusConfirmed {
		err = fmt.Errorf("%w: %s", rail.ErrNotConfirmed, conf.Reason)
	}
	if err != nil {
		log.Warn(ctx, "payout not confirmed", logger.String("receipt", receipt.ID), logger.Error(err))
		return s.fail(ctx, row, receipt.ID, err)
	}
	return s.confirm(ctx, row, receipt)
}

// claim takes the execution lease. Only non-confirmed rows whose lease is free
// or expired and whose attempts are not exhausted can be claimed.
func (s *Service) claim(ctx context.Context, id string) (bool, error) {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status <> ? AND attempts < ?", id, model.TxConfirmed, s.maxAttempts).
		Where("claimed_at IS NULL OR claimed_at < ?", now.Add(-s.lease)).
		Updates(map[string]any{
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
			"status":     model.TxPending,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim payout %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) fail(ctx context.Context, row *model.Transaction, receipt string, cause error) (*model.Transaction, error) {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	updates := map[string]any{
		"status":     model.TxFailed,
		"last_error": msg,
		"claimed_at": nil,
		"updated_at": s.now().UTC(),
	}
	if receipt != "" {
		updates["receipt"] = receipt
	}
	if err := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", row.ID, model.TxPending).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("record payout failure: %w", err)
	}
	metrics.RecordPayoutSettled(string(row.Type), string(model.TxFailed), row.AmountUSD.InexactFloat64())
	return s.Get(ctx, row.ID)
}

func (s *Service) confirm(ctx context.Context, row *model.Transaction, receipt rail.Receipt) (*model.Transaction, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Transaction{}).
			Where("id = ? AND status <> ?", row.ID, model.TxConfirmed).
			Updates(map[string]any{
				"status":     model.TxConfirmed,
				"receipt":    receipt.ID,
				"fee_usd":    receipt.Fee,
				"last_error": "",
				"claimed_at": nil,
				"updated_at": s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var w model.Worker
		if err := repository.ForUpdate(tx).Where("id = ?", row.WorkerID).Take(&w).Error; err != nil {
			return err
		}
		return tx.Model(&model.Worker{}).Where("id = ?", w.ID).
			Update("balance_usd", w.BalanceUSD.Sub(row.AmountUSD)).Error
	})
	if err != nil {
		return nil, fmt.Errorf("record payout confirmation: %w", err)
	}
	metrics.RecordPayoutSettled(string(row.Type), string(model.TxConfirmed), row.AmountUSD.InexactFloat64())
	s.log.Debug(ctx, "payout confirmed", logger.String("transaction_id", row.ID), logger.String("receipt", receipt.ID))
	return s.Get(ctx, row.ID)
}

// Retry re-executes failed rows with attempts left and pending rows whose
// lease expired or that were never picked up. It returns how many rows were
// confirmed.
func (s *Service) Retry(ctx context.Context, limit int) (int, error) {
	ids, err := s.Retryable(ctx, limit)
	if err != nil {
		return 0, err
	}
	confirmed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		row, err := s.Execute(ctx, id)
		if err != nil {
			return confirmed, err
		}
		if row != nil && row.Status == model.TxConfirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

// Retryable lists ids eligible for another attempt, oldest first.
func (s *Service) Retryable(ctx context.Context, limit int) ([]string, error) {
	cutoff := s.now().UTC().Add(-s.lease)
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("status IN ? AND attempts < ?", []model.TxStatus{model.TxFailed, model.TxPending}, s.maxAttempts).
		Where("claimed_at IS NULL OR claimed_at < ?", cutoff).
		Order("created_at").Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list retryable payouts: %w", err)
	}
	return ids, nil
}

// Get loads a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Transaction, error) {
	var row model.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, repository.NotFound(err, ErrTransactionMissing)
	}
	return &row, nil
}

// ByKey loads a transaction by its idempotency key.
func (s *Service) ByKey(ctx context.Context, key string) (*model.Transaction, error) {
	var row model.Transaction
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&row).Error; err != nil {
		return nil, repository.NotFound(err, ErrTransactionMissing)
	}
	return &row, nil
}

// History returns a worker's transactions, newest first.
func (s *Service) History(ctx context.Context, workerID string, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []model.Transaction
	err := s.db.WithContext(ctx).Where("worker_id = ?", workerID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}
	return rows, nil
}

// Totals sums confirmed payouts of one type for a worker.
type Totals struct {
	Count  int64
	Amount decimal.Decimal
}

// Confirmed totals a worker's confirmed payouts of type t.
func (s *Service) Confirmed(ctx context.Context, workerID string, t model.TxType) (Totals, error) {
	var rows []model.Transaction
	err := s.db.WithContext(ctx).Select("amount_usd").
		Where("worker_id = ? AND tx_type = ? AND status = ?", workerID, t, model.TxConfirmed).
		Find(&rows).Error
	if err != nil {
		return Totals{}, fmt.Errorf("confirmed totals: %w", err)
	}
	out := Totals{Count: int64(len(rows)), Amount: decimal.Zero}
	for _, r := range rows {
		out.Amount = out.Amount.Add(r.AmountUSD)
	}
	return out, nil
}

// Summary counts transactions per status.
func (s *Service) Summary(ctx context.Context) (map[model.TxStatus]int64, error) {
	type row struct {
		Status model.TxStatus
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("transaction summary: %w", err)
	}
	out := map[model.TxStatus]int64{model.TxPending: 0, model.TxConfirmed: 0, model.TxFailed: 0}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
