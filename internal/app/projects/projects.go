// Package projects funds and launches batches of labeling work. A launch
// escrows the full cost of every answer the batch can pay for and creates
// all of its tasks in one transaction.
package projects

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/repository"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const insertBatch = 500

// GoldenItem is a known-answer item planted in the batch.
type GoldenItem struct {
	Content string `json:"content"`
	Answer  string `json:"answer"`
}

// Launch describes a new project.
type Launch struct {
	ClientID         string          `json:"client_id"`
	Name             string          `json:"name"`
	Instructions     string          `json:"instructions"`
	Type             model.TaskType  `json:"task_type"`
	PricePerTask     decimal.Decimal `json:"price_per_task"`
	Options          []string        `json:"options,omitempty"`
	TimeLimitSeconds int             `json:"time_limit_seconds,omitempty"`
	Items            []string        `json:"items"`
	Golden           []GoldenItem    `json:"golden,omitempty"`
}

// Launched is the result of a launch.
type Launched struct {
	Project   *model.Project  `json:"project"`
	TaskCount int             `json:"task_count"`
	EscrowUSD decimal.Decimal `json:"escrow_usd"`
	// ClientBalanceUSD is the client's balance after escrow.
	ClientBalanceUSD decimal.Decimal `json:"client_balance_usd"`
}

// Stats is a project's progress.
type Stats struct {
	Project         *model.Project             `json:"project"`
	StatusCount     map[model.TaskStatus]int64 `json:"status_count"`
	PercentComplete float64                    `json:"percent_complete"`
}

// Service manages clients and projects.
type Service struct {
	db        *gorm.DB
	ledger    *ledger.Service
	fanOut    int
	maxItems  int
	minPrice  map[model.TaskType]decimal.Decimal
	timeLimit int
	now       func() time.Time
	log       logger.Logger
}

// DefaultMinPrices are the per-type price floors.
func DefaultMinPrices() map[model.TaskType]decimal.Decimal {
	return map[model.TaskType]decimal.Decimal{
		model.TaskSentiment:      decimal.RequireFromString("0.05"),
		model.TaskClassification: decimal.RequireFromString("0.08"),
		model.TaskRLHF:           decimal.RequireFromString("0.08"),
	}
}

// Option configures the service.
type Option func(*Service)

// WithFanOut sets how many paid answers each regular item needs.
func WithFanOut(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.fanOut = k
		}
	}
}

// WithMaxItems caps the number of items per project.
func WithMaxItems(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithMinPrice raises every type's price floor to at least floor.
func WithMinPrice(floor decimal.Decimal) Option {
	return func(s *Service) {
		for t, p := range s.minPrice {
			if p.LessThan(floor) {
				s.minPrice[t] = floor
			}
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

// New creates the project service. Launch revenue is recorded in l.
func New(db *gorm.DB, l *ledger.Service, opts ...Option) *Service {
	s := &Service{
		db:        db,
		ledger:    l,
		fanOut:    3,
		maxItems:  10_000,
		minPrice:  DefaultMinPrices(),
		timeLimit: 45,
		now:       time.Now,
		log:       logger.Get().Named("projects"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterClient creates a client with an empty balance.
func (s *Service) RegisterClient(ctx context.Context, name string) (*model.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	c := &model.Client{ID: uuid.NewString(), Name: name, BalanceUSD: decimal.Zero, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// Deposit adds funds to a client's balance and returns the new balance.
func (s *Service) Deposit(ctx context.Context, clientID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidDeposit
	}
	var balance decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.lockClient(tx, clientID)
		if err != nil {
			return err
		}
		balance = c.BalanceUSD.Add(amount)
		return tx.Model(&model.Client{}).Where("id = ?", c.ID).Update("balance_usd", balance).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// Cost returns the escrow a launch requires: every regular item is paid
// FanOut times and every golden item once.
func (s *Service) Cost(price decimal.Decimal, regular, golden int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(s.fanOut*regular + golden)))
}

func (s *Service) validate(l *Launch) error {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return ErrInvalidName
	}
	if _, err := model.ParseTaskType(string(l.Type)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidType, l.Type)
	}
	n := len(l.Items) + len(l.Golden)
	switch {
	case len(l.Items) == 0:
		return ErrNoItems
	case n > s.maxItems:
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, n, s.maxItems)
	case l.PricePerTask.LessThan(s.minPrice[l.Type]):
		return fmt.Errorf("%w: %s is below %s", ErrPriceTooLow, l.PricePerTask.StringFixed(2), s.minPrice[l.Type].StringFixed(2))
	}
	if len(l.Options) == 0 {
		l.Options = l.Type.DefaultOptions()
	}
	seen := make(map[string]struct{}, len(l.Options))
	for _, o := range l.Options {
		if _, dup := seen[o]; dup || strings.TrimSpace(o) == "" {
			return ErrInvalidOptions
		}
		seen[o] = struct{}{}
	}
	for _, it := range l.Items {
		if strings.TrimSpace(it) == "" {
			return ErrEmptyItem
		}
	}
	for _, g := range l.Golden {
		if strings.TrimSpace(g.Content) == "" {
			return ErrEmptyItem
		}
		if _, ok := seen[g.Answer]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidGolden, g.Answer)
		}
	}
	if l.TimeLimitSeconds <= 0 {
		l.TimeLimitSeconds = s.timeLimit
	}
	return nil
}

// Launch validates l, escrows its cost from the client and creates the
// project with all of its tasks. Nothing is written unless all of it is.
func (s *Service) Launch(ctx context.Context, l Launch) (*Launched, error) {
	if err := s.validate(&l); err != nil {
		return nil, err
	}
	cost := s.Cost(l.PricePerTask, len(l.Items), len(l.Golden))
	now := s.now().UTC()

	p := &model.Project{
		ID:           uuid.NewString(),
		ClientID:     l.ClientID,
		Name:         l.Name,
		Instructions: l.Instructions,
		Type:         l.Type,
		PricePerTask: l.PricePerTask,
		TotalTasks:   len(l.Items) + len(l.Golden),
		GoldenTasks:  len(l.Golden),
		EscrowUSD:    cost,
		Status:       model.ProjectActive,
		CreatedAt:    now,
	}
	rows := make([]model.Task, 0, p.TotalTasks)
	add := func(content string, golden bool, answer string) {
		rows = append(rows, model.Task{
			ID:               uuid.NewString(),
			ProjectID:        p.ID,
			Position:         len(rows),
			Content:          content,
			Type:             l.Type,
			Options:          model.StringList(l.Options),
			PayAmount:        l.PricePerTask,
			TimeLimitSeconds: l.TimeLimitSeconds,
			IsGolden:         golden,
			GoldenAnswer:     answer,
			Status:           model.StatusPending,
			AssignedTo:       model.StringList{},
			CreatedAt:        now,
		})
	}
	for _, it := range l.Items {
		add(strings.TrimSpace(it), false, "")
	}
	for _, g := range l.Golden {
		add(strings.TrimSpace(g.Content), true, g.Answer)
	}

	var balance decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.lockClient(tx, l.ClientID)
		if err != nil {
			return err
		}
		if c.BalanceUSD.LessThan(cost) {
			return fmt.Errorf("%w: need %s more", ErrInsufficientFunds, cost.Sub(c.BalanceUSD).StringFixed(2))
		}
		balance = c.BalanceUSD.Sub(cost)
		if err := tx.Model(&model.Client{}).Where("id = ?", c.ID).Update("balance_usd", balance).Error; err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		if err := tx.CreateInBatches(rows, insertBatch).Error; err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		return s.ledger.RecordRevenue(ctx, tx, cost)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "project launched", logger.String("project_id", p.ID), logger.String("client_id", l.ClientID),
		logger.Int("tasks", len(rows)), logger.String("escrow_usd", cost.StringFixed(2)))
	return &Launched{Project: p, TaskCount: len(rows), EscrowUSD: cost, ClientBalanceUSD: balance}, nil
}

// Get loads a project.
func (s *Service) Get(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, repository.NotFound(err, ErrProjectNotFound)
	}
	return &p, nil
}

// List returns a client's projects, newest first.
func (s *Service) List(ctx context.Context, clientID string) ([]model.Project, error) {
	var out []model.Project
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).
		Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// Stats returns a project's task status breakdown. Completed and
// review-needed tasks both count as done.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	type row struct {
		Status model.TaskStatus
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&model.Task{}).Where("project_id = ?", id).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	st := &Stats{Project: p, StatusCount: map[model.TaskStatus]int64{
		model.StatusPending:      0,
		model.StatusAssigned:     0,
		model.StatusCompleted:    0,
		model.StatusReviewNeeded: 0,
	}}
	var total int64
	for _, r := range rows {
		st.StatusCount[r.Status] = r.N
		total += r.N
	}
	if total > 0 {
		done := st.StatusCount[model.StatusCompleted] + st.StatusCount[model.StatusReviewNeeded]
		st.PercentComplete = math.Round(float64(done)/float64(total)*10000) / 100
	}
	return st, nil
}

// Settle marks the project completed once none of its tasks accepts more
// answers. It reports whether the project changed.
func (s *Service) Settle(ctx context.Context, id string) (bool, error) {
	db := s.db.WithContext(ctx)
	var open int64
	if err := db.Model(&model.Task{}).
		Where("project_id = ? AND status IN ?", id, []model.TaskStatus{model.StatusPending, model.StatusAssigned}).
		Count(&open).Error; err != nil {
		return false, fmt.Errorf("settle project: %w", err)
	}
	if open > 0 {
		return false, nil
	}
	res := db.Model(&model.Project{}).Where("id = ? AND status = ?", id, model.ProjectActive).
		Update("status", model.ProjectCompleted)
	if res.Error != nil {
		return false, fmt.Errorf("settle project: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		s.log.Info(ctx, "project completed", logger.String("project_id", id))
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) lockClient(tx *gorm.DB, id string) (*model.Client, error) {
	var c model.Client
	if err := repository.ForUpdate(tx).Where("id = ?", id).Take(&c).Error; err != nil {
		return nil, repository.NotFound(err, ErrClientNotFound)
	}
	return &c, nil
}
