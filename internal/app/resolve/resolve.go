// Package resolve runs consensus on fully answered tasks and fires the
// payment trigger for the agreeing workers.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/domain/consensus"
	"github.com/okian/bawo/internal/domain/fault"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"gorm.io/gorm"
)

// ErrTaskNotFound is returned for an unknown task id.
var ErrTaskNotFound = fault.New(fault.ErrNotFound, "task")

// Decision names what Resolve did.
type Decision string

const (
	// DecisionSkipped means the task was not awaiting consensus.
	DecisionSkipped Decision = "skipped"
	// DecisionWaiting means fewer than FanOut responses exist.
	DecisionWaiting   Decision = "waiting"
	DecisionCompleted Decision = "completed"
	DecisionReview    Decision = "review_needed"
)

// Outcome reports one resolution attempt.
type Outcome struct {
	TaskID    string
	Decision  Decision
	Status    model.TaskStatus
	Result    consensus.Result
	PayoutIDs []string
}

// Option configures the engine.
type Option func(*Engine)

// WithRules sets the fan-out and agreement threshold.
func WithRules(r consensus.Rules) Option {
	return func(e *Engine) { e.rules = r }
}

// WithCompletionPoints sets the points each agreeing worker earns.
func WithCompletionPoints(n int64) Option {
	return func(e *Engine) { e.points = n }
}

// WithDispatcher hands issued payouts to d after each commit.
func WithDispatcher(d payouts.Dispatcher) Option {
	return func(e *Engine) { e.dispatch = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine resolves tasks.
type Engine struct {
	db       *gorm.DB
	payouts  *payouts.Service
	ledger   *ledger.Service
	rules    consensus.Rules
	points   int64
	dispatch payouts.Dispatcher
	now      func() time.Time
	log      logger.Logger
}

// New creates a consensus engine.
func New(db *gorm.DB, p *payouts.Service, l *ledger.Service, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		payouts: p,
		ledger:  l,
		rules:   consensus.DefaultRules(),
		points:  5,
		now:     time.Now,
		log:     logger.Get().Named("consensus"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Resolve decides an assigned task once it has FanOut responses. The task
// row is locked for the whole decision, and payouts are keyed per (task,
// worker), so running it again for the same task never pays twice.
func (e *Engine) Resolve(ctx context.Context, taskID string) (Outcome, error) {
	out := Outcome{TaskID: taskID}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Task
		if err := repository.ForUpdate(tx).Where("id = ?", taskID).Take(&t).Error; err != nil {
			return repository.NotFound(err, ErrTaskNotFound)
		}
		out.Status = t.Status
		if t.Status != model.StatusAssigned || t.IsGolden {
			out.Decision = DecisionSkipped
			return nil
		}

		var responses []model.Response
		if err := tx.Where("task_id = ?", taskID).Order("submitted_at, id").Find(&responses).Error; err != nil {
			return fmt.Errorf("load responses: %w", err)
		}
		values := make([]string, len(responses))
		for i, r := range responses {
			values[i] = r.Value
		}
		res, err := consensus.Tally(values, e.rules)
		if errors.Is(err, consensus.ErrNotEnoughResponses) {
			out.Decision = DecisionWaiting
			return nil
		}
		if err != nil {
			return err
		}
		out.Result = res

		now := e.now().UTC()
		updates := map[string]any{
			"consensus_confidence": res.Confidence,
			"completed_at":         now,
			"version":              t.Version + 1,
		}
		if !res.Reached {
			updates["status"] = model.StatusReviewNeeded
			out.Decision, out.Status = DecisionReview, model.StatusReviewNeeded
			return casTask(tx, &t, updates)
		}
		updates["status"] = model.StatusCompleted
		updates["consensus_label"] = res.Label
		out.Decision, out.Status = DecisionCompleted, model.StatusCompleted
		if err := casTask(tx, &t, updates); err != nil {
			return err
		}

		for _, r := range responses {
			if r.Value != res.Label {
				continue
			}
			ids, err := e.pay(ctx, tx, &t, r.WorkerID)
			if err != nil {
				return err
			}
			out.PayoutIDs = append(out.PayoutIDs, ids...)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	switch out.Decision {
	case DecisionCompleted, DecisionReview:
		metrics.RecordConsensus(string(out.Decision), out.Result.Confidence)
		e.log.Debug(ctx, "task resolved", logger.String("task_id", taskID),
			logger.String("decision", string(out.Decision)), logger.Float64("confidence", out.Result.Confidence))
	}
	if e.dispatch != nil && len(out.PayoutIDs) > 0 {
		e.dispatch.Dispatch(ctx, "consensus", out.PayoutIDs...)
	}
	return out, nil
}

// casTask applies updates only if the task still has the version it was
// read at.
func casTask(tx *gorm.DB, t *model.Task, updates map[string]any) error {
	res := tx.Model(&model.Task{}).Where("id = ? AND version = ?", t.ID, t.Version).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("resolve task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resolve task %s: %w", t.ID, fault.ErrConflict)
	}
	return nil
}

func (e *Engine) pay(ctx context.Context, tx *gorm.DB, t *model.Task, workerID string) ([]string, error) {
	taskID := t.ID
	row, created, err := e.payouts.Issue(ctx, tx, payouts.Request{
		WorkerID: workerID,
		Amount:   t.PayAmount,
		Type:     model.TxTaskPayment,
		TaskID:   &taskID,
		Key:      payouts.Key(model.TxTaskPayment, t.ID, workerID),
	})
	if err != nil {
		return nil, err
	}
	if e.points > 0 {
		if _, err := e.ledger.Award(ctx, tx, ledger.Grant{
			WorkerID:  workerID,
			Points:    e.points,
			Activity:  model.ActivityTaskCompletion,
			Reference: "task_completion:" + t.ID + ":" + workerID,
		}); err != nil {
			return nil, err
		}
	}
	if !created {
		return nil, nil
	}
	return []string{row.ID}, nil
}

// Stuck lists assigned regular tasks that already hold FanOut responses.
func (e *Engine) Stuck(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := e.db.WithContext(ctx).Model(&model.Task{}).
		Select("tasks.id").
		Joins("JOIN task_responses ON task_responses.task_id = tasks.id").
		Where("tasks.status = ? AND tasks.is_golden = ?", model.StatusAssigned, false).
		Group("tasks.id").
		Having("COUNT(task_responses.id) >= ?", e.rules.FanOut).
		Limit(limit).
		Pluck("tasks.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find unresolved tasks: %w", err)
	}
	return ids, nil
}

// Reconcile re-runs Resolve for tasks whose resolution never happened, e.g.
// after a crash between storing the last response and deciding. It returns
// how many tasks it resolved.
func (e *Engine) Reconcile(ctx context.Context, limit int) (int, error) {
	ids, err := e.Stuck(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		out, err := e.Resolve(ctx, id)
		if err != nil {
			e.log.Error(ctx, "reconcile task", logger.String("task_id", id), logger.Error(err))
			continue
		}
		if out.Decision == DecisionCompleted || out.Decision == DecisionReview {
			n++
		}
	}
	if n > 0 {
		e.log.Info(ctx, "reconciled tasks", logger.Int("count", n))
	}
	return n, nil
}
