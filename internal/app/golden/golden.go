// Package golden injects known-answer items into the task stream and
// resolves them on the first answer, feeding the worker's accuracy.
package golden

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/domain/fault"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/reputation"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"gorm.io/gorm"
)

// ErrNotGolden is returned when validating a regular task.
var ErrNotGolden = fault.New(fault.ErrValidation, "task is not a golden item")

// Confidence is the consensus confidence recorded on a resolved golden item.
const Confidence = 1.0

// Outcome is the result of resolving a golden answer.
type Outcome struct {
	Correct  bool
	Stats    reputation.Stats
	PayoutID string
}

// Pool counts a project's golden items.
type Pool struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// Option configures the service.
type Option func(*Service)

// WithRate sets the probability that a request is served a golden item.
func WithRate(p float64) Option {
	return func(s *Service) {
		if p >= 0 && p <= 1 {
			s.rate = p
		}
	}
}

// WithRand replaces the uniform [0,1) source used by Draw.
func WithRand(fn func() float64) Option {
	return func(s *Service) {
		if fn != nil {
			s.rand = fn
		}
	}
}

// WithPoints sets the points for a paid answer and the extra bonus for a
// correct golden answer.
func WithPoints(completion, bonus int64) Option {
	return func(s *Service) {
		s.completionPoints = completion
		s.bonusPoints = bonus
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

// Service is golden-item quality control.
type Service struct {
	db               *gorm.DB
	workers          *workers.Service
	payouts          *payouts.Service
	ledger           *ledger.Service
	rate             float64
	rand             func() float64
	completionPoints int64
	bonusPoints      int64
	now              func() time.Time
	log              logger.Logger
}

// New creates the golden QC service.
func New(db *gorm.DB, w *workers.Service, p *payouts.Service, l *ledger.Service, opts ...Option) *Service {
	s := &Service{
		db:               db,
		workers:          w,
		payouts:          p,
		ledger:           l,
		rate:             0.10,
		rand:             rand.Float64,
		completionPoints: 5,
		bonusPoints:      2,
		now:              time.Now,
		log:              logger.Get().Named("golden"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Draw runs one Bernoulli trial with the configured rate.
func (s *Service) Draw() bool {
	return s.rate > 0 && s.rand() < s.rate
}

// Pick returns a golden item of one of types that nobody has taken, oldest
// first, or nil. It reads inside tx so the caller can claim it atomically.
func (s *Service) Pick(ctx context.Context, tx *gorm.DB, types []model.TaskType, exclude []string) (*model.Task, error) {
	q := tx.WithContext(ctx).Model(&model.Task{}).
		Where("is_golden = ? AND status = ? AND assigned_count = 0", true, model.StatusPending).
		Where("task_type IN ?", types)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var t model.Task
	err := q.Order("created_at, position, id").Limit(1).Take(&t).Error
	if err != nil {
		return nil, repository.NotFound(err, nil)
	}
	return &t, nil
}

// Validate compares a response with the expected answer. Only an exact match
// is correct.
func Validate(t *model.Task, response string) (bool, error) {
	if !t.IsGolden {
		return false, ErrNotGolden
	}
	return response == t.GoldenAnswer, nil
}

// Resolve settles a golden item answered by resp inside tx: the response is
// marked, the task completes with the expected answer, accuracy is updated
// exactly once and a correct answer is paid.
func (s *Service) Resolve(ctx context.Context, tx *gorm.DB, t *model.Task, resp *model.Response) (Outcome, error) {
	correct, err := Validate(t, resp.Value)
	if err != nil {
		return Outcome{}, err
	}
	tx = tx.WithContext(ctx)
	now := s.now().UTC()

	if err := tx.Model(&model.Response{}).Where("id = ?", resp.ID).Update("is_correct", correct).Error; err != nil {
		return Outcome{}, fmt.Errorf("mark golden response: %w", err)
	}
	resp.IsCorrect = &correct

	res := tx.Model(&model.Task{}).Where("id = ? AND version = ?", t.ID, t.Version).Updates(map[string]any{
		"status":               model.StatusCompleted,
		"consensus_label":      t.GoldenAnswer,
		"consensus_confidence": Confidence,
		"completed_at":         now,
		"version":              t.Version + 1,
	})
	if res.Error != nil {
		return Outcome{}, fmt.Errorf("complete golden task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Outcome{}, fmt.Errorf("complete golden task %s: %w", t.ID, fault.ErrConflict)
	}

	stats, err := s.workers.UpdateAccuracy(ctx, tx, resp.WorkerID, correct)
	if err != nil {
		return Outcome{}, err
	}
	metrics.RecordGoldenCheck(correct)
	out := Outcome{Correct: correct, Stats: stats}
	if !correct {
		return out, nil
	}

	taskID := t.ID
	row, _, err := s.payouts.Issue(ctx, tx, payouts.Request{
		WorkerID: resp.WorkerID,
		Amount:   t.PayAmount,
		Type:     model.TxTaskPayment,
		TaskID:   &taskID,
		Key:      payouts.Key(model.TxTaskPayment, t.ID, resp.WorkerID),
	})
	if err != nil {
		return Outcome{}, err
	}
	out.PayoutID = row.ID

	for _, g := range []ledger.Grant{
		{WorkerID: resp.WorkerID, Points: s.completionPoints, Activity: model.ActivityTaskCompletion, Reference: "task_completion:" + t.ID + ":" + resp.WorkerID},
		{WorkerID: resp.WorkerID, Points: s.bonusPoints, Activity: model.ActivityGoldenBonus, Reference: "golden_bonus:" + t.ID + ":" + resp.WorkerID},
	} {
		if g.Points <= 0 {
			continue
		}
		if _, err := s.ledger.Award(ctx, tx, g); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

// Pool counts golden items in a project, or across all projects when
// projectID is empty.
func (s *Service) Pool(ctx context.Context, projectID string) (Pool, error) {
	q := func() *gorm.DB {
		db := s.db.WithContext(ctx).Model(&model.Task{}).Where("is_golden = ?", true)
		if projectID != "" {
			db = db.Where("project_id = ?", projectID)
		}
		return db
	}
	var p Pool
	if err := q().Count(&p.Total).Error; err != nil {
		return Pool{}, fmt.Errorf("golden pool: %w", err)
	}
	if err := q().Where("status <> ? OR assigned_count > 0", model.StatusPending).Count(&p.Used).Error; err != nil {
		return Pool{}, fmt.Errorf("golden pool: %w", err)
	}
	p.Available = p.Total - p.Used
	return p, nil
}
