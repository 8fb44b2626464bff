// Package tasks is the work queue: it hands tasks to workers with FIFO
// fairness and golden injection, takes them back and stores responses.
//
// A regular task is answered by FanOut different workers. AssignedTo holds
// both current holders and workers that already answered, so its length is
// the fan-out used so far. Every write to a task row is a compare-and-swap on
// its version inside a transaction that read the row with a lock.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/golden"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"gorm.io/gorm"
)

const (
	maxScanRounds   = 3
	maxGoldenClaims = 3
)

// Submission is one worker's answer.
type Submission struct {
	TaskID         string  `json:"task_id"`
	WorkerID       string  `json:"worker_id"`
	Value          string  `json:"response"`
	LatencySeconds float64 `json:"latency_seconds"`
}

// Receipt reports what a stored submission triggered.
type Receipt struct {
	Response *model.Response `json:"response"`
	// Golden is set when the task was a golden item; it is resolved already.
	Golden *golden.Outcome `json:"golden,omitempty"`
	// Complete reports that the task now holds FanOut responses and is ready
	// for consensus.
	Complete bool `json:"complete"`
	// PayoutIDs lists payouts issued by the submission itself.
	PayoutIDs []string `json:"payout_ids,omitempty"`
}

// Service is the task queue.
type Service struct {
	db              *gorm.DB
	golden          *golden.Service
	workers         *workers.Service
	fanOut          int
	heldLimit       int
	minVerification map[model.TaskType]int
	scanBatch       int
	now             func() time.Time
	log             logger.Logger
}

// New creates the task queue.
func New(db *gorm.DB, g *golden.Service, w *workers.Service, opts ...Option) *Service {
	s := &Service{
		db:              db,
		golden:          g,
		workers:         w,
		fanOut:          3,
		minVerification: map[model.TaskType]int{model.TaskRLHF: 2},
		scanBatch:       20,
		now:             time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.heldLimit == 0 {
		s.heldLimit = s.fanOut
	}
	if s.log == nil {
		s.log = logger.Get().Named("tasks")
	}
	return s
}

// FanOut returns the number of answers collected per regular task.
func (s *Service) FanOut() int { return s.fanOut }

// holder matches a worker id inside the JSON-encoded assigned_to column.
func holder(workerID string) string { return `%"` + workerID + `"%` }

// Eligible returns the task types the worker's verification level allows.
func (s *Service) Eligible(w *model.Worker) []model.TaskType {
	out := make([]model.TaskType, 0, len(model.TaskTypes))
	for _, t := range model.TaskTypes {
		if w.VerificationLevel >= s.minVerification[t] {
			out = append(out, t)
		}
	}
	return out
}

// Next assigns the worker a task of preferred type, or of any type the
// worker may do when preferred is empty. It returns nil when no task is
// available.
func (s *Service) Next(ctx context.Context, workerID string, preferred model.TaskType) (*model.Task, error) {
	w, err := s.workers.Get(ctx, workerID)
	if errors.Is(err, workers.ErrWorkerNotFound) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}

	types := s.Eligible(w)
	if preferred != "" {
		if _, err := model.ParseTaskType(string(preferred)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, preferred)
		}
		if w.VerificationLevel < s.minVerification[preferred] {
			return nil, ErrNotEligible
		}
		types = []model.TaskType{preferred}
	}

	held, err := s.heldByType(ctx, workerID)
	if err != nil {
		return nil, err
	}
	open := types[:0:0]
	for _, t := range types {
		if held[t] < s.heldLimit {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return nil, ErrTooManyHeld
	}

	if s.golden != nil && s.golden.Draw() {
		t, err := s.assignGolden(ctx, workerID, open)
		if err != nil {
			return nil, err
		}
		if t != nil {
			metrics.RecordTaskAssigned(string(t.Type), true)
			s.log.Debug(ctx, "golden task assigned", logger.String("task_id", t.ID), logger.String("worker_id", workerID))
			return t, nil
		}
	}

	t, err := s.assignRegular(ctx, workerID, open)
	if err != nil || t == nil {
		return nil, err
	}
	metrics.RecordTaskAssigned(string(t.Type), false)
	s.log.Debug(ctx, "task assigned", logger.String("task_id", t.ID), logger.String("worker_id", workerID),
		logger.Int("assigned_count", t.AssignedCount))
	return t, nil
}

func (s *Service) assignGolden(ctx context.Context, workerID string, types []model.TaskType) (*model.Task, error) {
	for i := 0; i < maxGoldenClaims; i++ {
		var (
			out  *model.Task
			none bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := s.golden.Pick(ctx, tx, types, nil)
			if err != nil {
				return err
			}
			if t == nil {
				none = true
				return nil
			}
			ok, err := s.claim(tx, t, workerID)
			if ok {
				out = t
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("assign golden task: %w", err)
		}
		if none || out != nil {
			return out, nil
		}
		metrics.RecordAssignmentConflict()
	}
	return nil, nil
}

func (s *Service) assignRegular(ctx context.Context, workerID string, types []model.TaskType) (*model.Task, error) {
	for round := 0; round < maxScanRounds; round++ {
		var ids []string
		err := s.db.WithContext(ctx).Model(&model.Task{}).
			Where("is_golden = ? AND status IN ? AND assigned_count < ?",
				false, []model.TaskStatus{model.StatusPending, model.StatusAssigned}, s.fanOut).
			Where("task_type IN ?", types).
			Where("assigned_to NOT LIKE ?", holder(workerID)).
			Order("created_at, position, id").
			Limit(s.scanBatch).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("scan tasks: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		for _, id := range ids {
			t, err := s.tryAssign(ctx, id, workerID)
			if err != nil {
				return nil, err
			}
			if t != nil {
				return t, nil
			}
			metrics.RecordAssignmentConflict()
		}
	}
	return nil, nil
}

// tryAssign claims one regular task for the worker if it still has room.
func (s *Service) tryAssign(ctx context.Context, id, workerID string) (*model.Task, error) {
	var out *model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Task
		if err := repository.ForUpdate(tx).Where("id = ?", id).Take(&t).Error; err != nil {
			return repository.NotFound(err, nil)
		}
		if t.Status.Terminal() || t.IsGolden || t.AssignedCount >= s.fanOut || t.AssignedTo.Contains(workerID) {
			return nil
		}
		ok, err := s.claim(tx, &t, workerID)
		if ok {
			out = &t
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("assign task %s: %w", id, err)
	}
	return out, nil
}

// claim adds workerID to t with a version compare-and-swap and updates t in
// place on success.
func (s *Service) claim(tx *gorm.DB, t *model.Task, workerID string) (bool, error) {
	next := t.AssignedTo.With(workerID)
	res := tx.Model(&model.Task{}).Where("id = ? AND version = ?", t.ID, t.Version).Updates(map[string]any{
		"assigned_to":    next,
		"assigned_count": len(next),
		"status":         model.StatusAssigned,
		"version":        t.Version + 1,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	t.AssignedTo = next
	t.AssignedCount = len(next)
	t.Status = model.StatusAssigned
	t.Version++
	return true, nil
}

// Return gives a held task back. Only the caller's own claim is removed; a
// task that is closed, not held, or already answered by the caller is left
// unchanged.
func (s *Service) Return(ctx context.Context, taskID, workerID string) error {
	returned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Task
		if err := repository.ForUpdate(tx).Where("id = ?", taskID).Take(&t).Error; err != nil {
			return repository.NotFound(err, ErrTaskNotFound)
		}
		if t.Status.Terminal() || !t.AssignedTo.Contains(workerID) {
			return nil
		}
		var answered int64
		if err := tx.Model(&model.Response{}).Where("task_id = ? AND worker_id = ?", taskID, workerID).
			Count(&answered).Error; err != nil {
			return err
		}
		if answered > 0 {
			return nil
		}

		next := t.AssignedTo.Without(workerID)
		status := model.StatusAssigned
		if len(next) == 0 {
			status = model.StatusPending
		}
		res := tx.Model(&model.Task{}).Where("id = ? AND version = ?", t.ID, t.Version).Updates(map[string]any{
			"assigned_to":    next,
			"assigned_count": len(next),
			"status":         status,
			"version":        t.Version + 1,
		})
		if res.Error != nil {
			return res.Error
		}
		returned = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return err
	}
	if returned {
		metrics.RecordTaskReturned()
		s.log.Debug(ctx, "task returned", logger.String("task_id", taskID), logger.String("worker_id", workerID))
	}
	return nil
}

// Submit stores a response. A golden item is resolved in the same
// transaction; a regular task counts towards the worker's completed tasks and
// reports whether it is ready for consensus.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	value := strings.TrimSpace(sub.Value)
	if value == "" || sub.LatencySeconds < 0 || sub.TaskID == "" || sub.WorkerID == "" {
		return nil, ErrInvalidResponse
	}

	rc := &Receipt{}
	var taskType model.TaskType
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Task
		if err := repository.ForUpdate(tx).Where("id = ?", sub.TaskID).Take(&t).Error; err != nil {
			return repository.NotFound(err, ErrTaskNotFound)
		}
		taskType = t.Type
		switch {
		case t.Status.Terminal():
			return ErrTaskClosed
		case !t.AssignedTo.Contains(sub.WorkerID):
			return ErrNotAssigned
		case len(t.Options) > 0 && !t.Options.Contains(value):
			return fmt.Errorf("%w: %q", ErrInvalidOption, value)
		}

		resp := &model.Response{
			ID:             uuid.NewString(),
			TaskID:         t.ID,
			WorkerID:       sub.WorkerID,
			Value:          value,
			LatencySeconds: sub.LatencySeconds,
			SubmittedAt:    s.now().UTC(),
		}
		if err := tx.Create(resp).Error; err != nil {
			if repository.IsDuplicate(err) {
				return ErrAlreadyAnswered
			}
			return fmt.Errorf("store response: %w", err)
		}
		rc.Response = resp

		if t.IsGolden {
			out, err := s.golden.Resolve(ctx, tx, &t, resp)
			if err != nil {
				return err
			}
			rc.Golden = &out
			if out.PayoutID != "" {
				rc.PayoutIDs = append(rc.PayoutIDs, out.PayoutID)
			}
			return nil
		}

		if _, err := s.workers.RecordCompletion(ctx, tx, sub.WorkerID); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&model.Response{}).Where("task_id = ?", t.ID).Count(&n).Error; err != nil {
			return err
		}
		rc.Complete = n >= int64(s.fanOut)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordResponse(string(taskType))
	return rc, nil
}

// Held lists the tasks the worker holds but has not answered.
func (s *Service) Held(ctx context.Context, workerID string) ([]model.Task, error) {
	var out []model.Task
	err := s.held(s.db.WithContext(ctx).Model(&model.Task{}), workerID).
		Order("created_at, position, id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("held tasks: %w", err)
	}
	return out, nil
}

func (s *Service) heldByType(ctx context.Context, workerID string) (map[model.TaskType]int, error) {
	type row struct {
		TaskType model.TaskType
		N        int
	}
	var rows []row
	err := s.held(s.db.WithContext(ctx).Model(&model.Task{}), workerID).
		Select("task_type, COUNT(*) AS n").Group("task_type").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count held tasks: %w", err)
	}
	out := make(map[model.TaskType]int, len(rows))
	for _, r := range rows {
		out[r.TaskType] = r.N
	}
	return out, nil
}

func (s *Service) held(db *gorm.DB, workerID string) *gorm.DB {
	return db.Where("status = ? AND assigned_to LIKE ?", model.StatusAssigned, holder(workerID)).
		Where("NOT EXISTS (SELECT 1 FROM task_responses r WHERE r.task_id = tasks.id AND r.worker_id = ?)", workerID)
}

// Get loads a task.
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&t).Error; err != nil {
		return nil, repository.NotFound(err, ErrTaskNotFound)
	}
	return &t, nil
}

// Stats counts tasks per status.
func (s *Service) Stats(ctx context.Context) (map[model.TaskStatus]int64, error) {
	type row struct {
		Status model.TaskStatus
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	out := map[model.TaskStatus]int64{
		model.StatusPending:      0,
		model.StatusAssigned:     0,
		model.StatusCompleted:    0,
		model.StatusReviewNeeded: 0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
