// Package service wires the marketplace components together and exposes the
// inbound operations the HTTP API depends on.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/okian/bawo/internal/adapters/lock"
	"github.com/okian/bawo/internal/adapters/mq/queue"
	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/app/golden"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/milestones"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/app/projects"
	"github.com/okian/bawo/internal/app/resolve"
	"github.com/okian/bawo/internal/app/sweeper"
	"github.com/okian/bawo/internal/app/tasks"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/config"
	"github.com/okian/bawo/internal/domain/consensus"
	"github.com/okian/bawo/internal/domain/dedupe"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/reputation"
	"github.com/okian/bawo/pkg/logger"
	"github.com/okian/bawo/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubmitResult reports everything a submission triggered.
type SubmitResult struct {
	Response *model.Response `json:"response"`
	// Golden is set when the task was a golden item.
	Golden *golden.Outcome `json:"golden,omitempty"`
	// Consensus is set when the submission completed the task's fan-out.
	Consensus *resolve.Outcome `json:"consensus,omitempty"`
	// PayoutIDs lists every payout the submission issued, bonuses included.
	PayoutIDs []string `json:"payout_ids,omitempty"`
}

// Service implements the API dependencies for the marketplace.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config
	db  *gorm.DB

	payouts    *payouts.Service
	ledger     *ledger.Service
	workers    *workers.Service
	golden     *golden.Service
	tasks      *tasks.Service
	resolver   *resolve.Engine
	milestones *milestones.Service
	projects   *projects.Service
	sweeper    *sweeper.Sweeper

	queue    *queue.InMemoryQueue
	queued   *payouts.Queued
	dispatch payouts.Dispatcher

	locker     lock.Locker
	now        func() time.Time
	goldenRand func() float64
	inline     bool

	started bool
	log     logger.Logger
}

// New builds every component from cfg. Nothing runs in the background until
// Start is called.
func New(cfg *config.Config, db *gorm.DB, r rail.Rail, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		db:     db,
		locker: lock.NewLocal(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("service")
	}

	policy, err := policyFrom(cfg)
	if err != nil {
		return nil, err
	}
	minVerification, err := verificationFrom(cfg)
	if err != nil {
		return nil, err
	}
	ms, err := milestonesFrom(cfg)
	if err != nil {
		return nil, err
	}
	referral, err := referralFrom(cfg)
	if err != nil {
		return nil, err
	}
	minPrice, err := config.Money("min_task_price_usd", cfg.MinTaskPriceUSD)
	if err != nil {
		return nil, err
	}

	s.payouts = payouts.New(db, r,
		payouts.WithLease(cfg.PayoutLease),
		payouts.WithMaxAttempts(cfg.MaxPayoutAttempts),
		payouts.WithClock(s.now),
		payouts.WithLogger(s.log.Named("payouts")),
	)
	if s.inline {
		s.dispatch = payouts.NewInline(s.payouts)
	} else {
		s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.PayoutQueueSize))
		s.queued = payouts.NewQueued(s.payouts, s.queue, cfg.PayoutWorkers,
			dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize)))
		s.dispatch = s.queued
	}

	s.ledger = ledger.New(db, s.payouts,
		ledger.WithPolicy(policy),
		ledger.WithClock(s.now),
		ledger.WithLogger(s.log.Named("ledger")),
	)
	s.workers = workers.New(db, reputation.New(), s.ledger,
		workers.WithQualityBonusPoints(cfg.QualityBonusPoints),
		workers.WithClock(s.now),
		workers.WithLogger(s.log.Named("workers")),
	)
	goldenOpts := []golden.Option{
		golden.WithRate(cfg.GoldenRate),
		golden.WithPoints(cfg.TaskCompletionPoints, cfg.GoldenBonusPoints),
		golden.WithClock(s.now),
	}
	if s.goldenRand != nil {
		goldenOpts = append(goldenOpts, golden.WithRand(s.goldenRand))
	}
	s.golden = golden.New(db, s.workers, s.payouts, s.ledger, goldenOpts...)
	s.tasks = tasks.New(db, s.golden, s.workers,
		tasks.WithFanOut(cfg.FanOut),
		tasks.WithHeldLimit(cfg.HeldLimit()),
		tasks.WithMinVerification(minVerification),
		tasks.WithClock(s.now),
		tasks.WithLogger(s.log.Named("tasks")),
	)
	s.resolver = resolve.New(db, s.payouts, s.ledger,
		resolve.WithRules(consensus.Rules{FanOut: cfg.FanOut, MinAgreement: cfg.MinAgreement}),
		resolve.WithCompletionPoints(cfg.TaskCompletionPoints),
		resolve.WithDispatcher(s.dispatch),
		resolve.WithClock(s.now),
	)
	s.milestones = milestones.New(db, s.payouts, s.ledger,
		milestones.WithMilestones(ms),
		milestones.WithReferral(referral),
		milestones.WithDispatcher(s.dispatch),
		milestones.WithClock(s.now),
		milestones.WithLogger(s.log.Named("milestones")),
	)
	s.projects = projects.New(db, s.ledger,
		projects.WithFanOut(cfg.FanOut),
		projects.WithMaxItems(cfg.MaxTasksPerProject),
		projects.WithMinPrice(minPrice),
		projects.WithClock(s.now),
	)
	s.sweeper = sweeper.New(s.resolver, s.payouts,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatch(cfg.SweepBatch),
		sweeper.WithLocker(s.locker),
		sweeper.WithLogger(s.log.Named("sweeper")),
	)
	return s, nil
}

func policyFrom(cfg *config.Config) (ledger.Policy, error) {
	share, err := config.Money("pool_share", cfg.PoolShare)
	if err != nil {
		return ledger.Policy{}, err
	}
	return ledger.Policy{
		PointsPerUSD:  cfg.PointsPerUSD,
		MinRedemption: cfg.MinRedemptionPoints,
		PoolShare:     share,
		ExpiryMonths:  cfg.PointsExpiryMonths,
		ActiveWindow:  time.Duration(cfg.ActiveWindowDays) * 24 * time.Hour,
	}, nil
}

func verificationFrom(cfg *config.Config) (map[model.TaskType]int, error) {
	out := make(map[model.TaskType]int, len(cfg.TypeMinVerification))
	for name, level := range cfg.TypeMinVerification {
		t, err := model.ParseTaskType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: type_min_verification: %w", config.ErrInvalidConfig, err)
		}
		out[t] = level
	}
	return out, nil
}

func milestonesFrom(cfg *config.Config) ([]milestones.Milestone, error) {
	ms, err := cfg.Milestones()
	if err != nil {
		return nil, err
	}
	out := make([]milestones.Milestone, 0, len(ms))
	for _, m := range ms {
		out = append(out, milestones.Milestone{Days: m.Days, Amount: m.Amount, Points: m.Points})
	}
	return out, nil
}

func referralFrom(cfg *config.Config) (milestones.Referral, error) {
	referrer, err := config.Money("referrer_bonus_usd", cfg.ReferrerBonusUSD)
	if err != nil {
		return milestones.Referral{}, err
	}
	referee, err := config.Money("referee_bonus_usd", cfg.RefereeBonusUSD)
	if err != nil {
		return milestones.Referral{}, err
	}
	return milestones.Referral{
		Threshold:   cfg.ReferralThreshold,
		ReferrerUSD: referrer,
		RefereeUSD:  referee,
		Points:      cfg.ReferralBonusPoints,
	}, nil
}

// Start launches the payout executors and the sweep loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.log.Info(ctx, "starting marketplace service...")

	if s.queued != nil {
		s.queued.Start(ctx)
	}
	s.sweeper.Start(ctx)

	s.started = true
	s.log.Info(ctx, "marketplace service started",
		logger.Int("fanOut", s.cfg.FanOut),
		logger.Float64("goldenRate", s.cfg.GoldenRate),
		logger.Int("payoutWorkers", s.cfg.PayoutWorkers),
		logger.Bool("inlinePayouts", s.inline),
	)
	return nil
}

// Stop halts the sweep loop and drains queued payouts. Payouts still queued
// when ctx expires stay pending for the next retry sweep.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.log.Info(ctx, "stopping marketplace service...")

	s.sweeper.Stop()
	var err error
	if s.queued != nil {
		err = s.queued.Shutdown(ctx)
	}

	s.started = false
	s.log.Info(ctx, "marketplace service stopped")
	return err
}

// RegisterWorker creates a worker. A non-empty referral code links the new
// worker to its referrer.
func (s *Service) RegisterWorker(ctx context.Context, address string, verification int, referralCode string) (*model.Worker, error) {
	reg := workers.Registration{Address: address, VerificationLevel: verification}
	if referralCode != "" {
		id, err := milestones.ParseReferralCode(referralCode)
		if err != nil {
			return nil, err
		}
		reg.ReferrerID = id
	}
	return s.workers.Register(ctx, reg)
}

// Worker returns a worker by id.
func (s *Service) Worker(ctx context.Context, id string) (*model.Worker, error) {
	return s.workers.Get(ctx, id)
}

// GetNextTask assigns the next task to a worker. An empty taskType lets the
// queue pick among every type the worker is eligible for.
func (s *Service) GetNextTask(ctx context.Context, workerID string, taskType model.TaskType) (*model.Task, error) {
	return s.tasks.Next(ctx, workerID, taskType)
}

// HeldTasks lists the tasks a worker holds without having answered.
func (s *Service) HeldTasks(ctx context.Context, workerID string) ([]model.Task, error) {
	return s.tasks.Held(ctx, workerID)
}

// ReturnTask gives a held task back to the queue.
func (s *Service) ReturnTask(ctx context.Context, taskID, workerID string) error {
	return s.tasks.Return(ctx, taskID, workerID)
}

// SubmitResponse stores an answer and runs everything it triggers: golden
// scoring, consensus once the fan-out is complete, then streak and referral
// checks. Only the answer itself can fail the call; a consensus or milestone
// failure is logged and left to the sweep.
func (s *Service) SubmitResponse(ctx context.Context, sub tasks.Submission) (*SubmitResult, error) {
	rc, err := s.tasks.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.dispatch.Dispatch(ctx, "golden", rc.PayoutIDs...)

	out := &SubmitResult{
		Response:  rc.Response,
		Golden:    rc.Golden,
		PayoutIDs: append([]string(nil), rc.PayoutIDs...),
	}
	terminal := rc.Golden != nil
	if rc.Complete {
		o, err := s.resolver.Resolve(ctx, sub.TaskID)
		if err != nil {
			metrics.RecordError("service", "resolve")
			s.log.Warn(ctx, "consensus deferred to sweep",
				logger.String("task_id", sub.TaskID), logger.Error(err))
		} else {
			out.Consensus = &o
			out.PayoutIDs = append(out.PayoutIDs, o.PayoutIDs...)
			terminal = o.Status.Terminal()
		}
	}

	out.PayoutIDs = append(out.PayoutIDs, s.afterActivity(ctx, sub.WorkerID)...)
	if terminal {
		s.settle(ctx, sub.TaskID)
	}
	return out, nil
}

// afterActivity records the day's activity and pays any bonus it unlocked.
func (s *Service) afterActivity(ctx context.Context, workerID string) []string {
	var ids []string
	if err := s.milestones.RecordActivity(ctx, workerID); err != nil {
		metrics.RecordError("service", "streak")
		s.log.Warn(ctx, "record activity", logger.String("worker_id", workerID), logger.Error(err))
		return nil
	}
	streakIDs, err := s.milestones.CheckStreakMilestones(ctx, workerID)
	if err != nil {
		metrics.RecordError("service", "streak")
		s.log.Warn(ctx, "streak milestones", logger.String("worker_id", workerID), logger.Error(err))
	}
	ids = append(ids, streakIDs...)
	referralIDs, err := s.milestones.CheckReferral(ctx, workerID)
	if err != nil {
		metrics.RecordError("service", "referral")
		s.log.Warn(ctx, "referral bonus", logger.String("worker_id", workerID), logger.Error(err))
	}
	return append(ids, referralIDs...)
}

func (s *Service) settle(ctx context.Context, taskID string) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		s.log.Warn(ctx, "settle lookup", logger.String("task_id", taskID), logger.Error(err))
		return
	}
	if _, err := s.projects.Settle(ctx, t.ProjectID); err != nil {
		s.log.Warn(ctx, "settle project", logger.String("project_id", t.ProjectID), logger.Error(err))
	}
}

// RedeemPoints converts points into a payout.
func (s *Service) RedeemPoints(ctx context.Context, workerID, destination string, points int64) (*ledger.Redemption, error) {
	if destination == "" {
		w, err := s.workers.Get(ctx, workerID)
		if err != nil {
			return nil, err
		}
		destination = w.Address
	}
	return s.ledger.Redeem(ctx, workerID, destination, points)
}

// GetPointsBalance returns a worker's redeemable points.
func (s *Service) GetPointsBalance(ctx context.Context, workerID string) (*ledger.Balance, error) {
	return s.ledger.Balance(ctx, workerID)
}

// GetStreakStats returns a worker's streak summary.
func (s *Service) GetStreakStats(ctx context.Context, workerID string) (*milestones.StreakStats, error) {
	return s.milestones.StreakStats(ctx, workerID)
}

// GetReferralStats returns a worker's referral summary.
func (s *Service) GetReferralStats(ctx context.Context, workerID string) (*milestones.ReferralStats, error) {
	return s.milestones.ReferralStats(ctx, workerID)
}

// RegisterClient creates a client with a zero balance.
func (s *Service) RegisterClient(ctx context.Context, name string) (*model.Client, error) {
	return s.projects.RegisterClient(ctx, name)
}

// Deposit credits a client's balance and returns the new balance.
func (s *Service) Deposit(ctx context.Context, clientID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.projects.Deposit(ctx, clientID, amount)
}

// LaunchProject escrows the project's cost and creates its tasks.
func (s *Service) LaunchProject(ctx context.Context, l projects.Launch) (*projects.Launched, error) {
	out, err := s.projects.Launch(ctx, l)
	if err != nil {
		return nil, err
	}
	if pool, err := s.ledger.PoolRemaining(ctx); err == nil {
		metrics.UpdatePoolRemaining(pool.InexactFloat64())
	}
	return out, nil
}

// Projects lists a client's projects.
func (s *Service) Projects(ctx context.Context, clientID string) ([]model.Project, error) {
	return s.projects.List(ctx, clientID)
}

// ProjectStats returns a project's progress.
func (s *Service) ProjectStats(ctx context.Context, projectID string) (*projects.Stats, error) {
	return s.projects.Stats(ctx, projectID)
}

// GoldenPool counts a project's golden items.
func (s *Service) GoldenPool(ctx context.Context, projectID string) (golden.Pool, error) {
	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return golden.Pool{}, err
	}
	return s.golden.Pool(ctx, projectID)
}

// ProjectResults writes a project's labels as CSV.
func (s *Service) ProjectResults(ctx context.Context, projectID string, w io.Writer) error {
	return s.projects.Results(ctx, projectID, w)
}

// PoolStatus returns the current month's redemption pool.
func (s *Service) PoolStatus(ctx context.Context) (*ledger.PoolStatus, error) {
	return s.ledger.PoolStatus(ctx)
}

// Transactions pages through a worker's payouts, newest first.
func (s *Service) Transactions(ctx context.Context, workerID string, limit, offset int) ([]model.Transaction, error) {
	if _, err := s.workers.Get(ctx, workerID); err != nil {
		return nil, err
	}
	return s.payouts.History(ctx, workerID, limit, offset)
}

// Leaderboard ranks workers by reputation score.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]workers.Standing, error) {
	return s.workers.Leaderboard(ctx, limit)
}

// Sweep runs one reconcile-and-retry pass immediately.
func (s *Service) Sweep(ctx context.Context) (sweeper.Result, error) {
	return s.sweeper.RunOnce(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":       started,
		"fanOut":        s.cfg.FanOut,
		"goldenRate":    s.cfg.GoldenRate,
		"payoutWorkers": s.cfg.PayoutWorkers,
		"inlinePayouts": s.inline,
	}
	if s.queue != nil {
		n := s.queue.Len()
		stats["payoutQueueLength"] = n
		metrics.UpdateQueueSize(n)
	}
	if byStatus, err := s.tasks.Stats(ctx); err == nil {
		stats["tasks"] = byStatus
	}
	if byStatus, err := s.payouts.Summary(ctx); err == nil {
		stats["transactions"] = byStatus
	}
	if tiers, err := s.workers.TierCounts(ctx); err == nil {
		stats["tiers"] = tiers
	}
	if pool, err := s.ledger.PoolStatus(ctx); err == nil {
		stats["redemptionPool"] = pool
		metrics.UpdatePoolRemaining(pool.Available.InexactFloat64())
	}
	return stats
}
