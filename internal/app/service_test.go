package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/rail"
	service "github.com/okian/bawo/internal/app"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/milestones"
	"github.com/okian/bawo/internal/app/projects"
	"github.com/okian/bawo/internal/app/resolve"
	"github.com/okian/bawo/internal/app/tasks"
	"github.com/okian/bawo/internal/config"
	"github.com/okian/bawo/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *apptest.Clock
	rail  *rail.Simulated
	cfg   *config.Config
	svc   *service.Service
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...service.Option) *fixture {
	db := apptest.DB(t)
	clock := apptest.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	sim := rail.NewSimulated()
	cfg := config.New(context.Background())
	cfg.PayoutWorkers = 2
	if mutate != nil {
		mutate(cfg)
	}
	base := []service.Option{
		service.WithClock(clock.Now),
		service.WithGoldenRand(func() float64 { return 1 }),
	}
	svc, err := service.New(cfg, db, sim, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{db: db, clock: clock, rail: sim, cfg: cfg, svc: svc}
}

// launch funds a client and starts a sentiment project with n items at price.
func (f *fixture) launch(t *testing.T, n int, price string) *projects.Launched {
	ctx := context.Background()
	c, err := f.svc.RegisterClient(ctx, "acme")
	if err != nil {
		t.Fatalf("register client: %v", err)
	}
	if _, err := f.svc.Deposit(ctx, c.ID, apptest.USD("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("review %d", i)
	}
	out, err := f.svc.LaunchProject(ctx, projects.Launch{
		ClientID:     c.ID,
		Name:         "reviews",
		Type:         model.TaskSentiment,
		PricePerTask: apptest.USD(price),
		Items:        items,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return out
}

func (f *fixture) worker(t *testing.T, code string) *model.Worker {
	w, err := f.svc.RegisterWorker(context.Background(), "addr-"+uuid.NewString(), 0, code)
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return w
}

// answer takes the next task for w and submits value.
func (f *fixture) answer(t *testing.T, w *model.Worker, value string) (*model.Task, *service.SubmitResult) {
	ctx := context.Background()
	task, err := f.svc.GetNextTask(ctx, w.ID, "")
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	res, err := f.svc.SubmitResponse(ctx, tasks.Submission{TaskID: task.ID, WorkerID: w.ID, Value: value})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task, res
}

func TestService_SubmitFlow(t *testing.T) {
	Convey("Given a launched project and three workers", t, func() {
		f := newFixture(t, nil, service.WithInlinePayouts())
		ctx := context.Background()
		f.launch(t, 2, "0.10")
		a, b, c := f.worker(t, ""), f.worker(t, ""), f.worker(t, "")

		t1, r1 := f.answer(t, a, "positive")
		t2, r2 := f.answer(t, b, "positive")
		t3, r3 := f.answer(t, c, "negative")

		Convey("Then all three share the oldest task", func() {
			So(t2.ID, ShouldEqual, t1.ID)
			So(t3.ID, ShouldEqual, t1.ID)
			So(r1.Consensus, ShouldBeNil)
			So(r2.Consensus, ShouldBeNil)
		})

		Convey("Then the third answer resolves the task and pays the majority", func() {
			So(r3.Consensus, ShouldNotBeNil)
			So(r3.Consensus.Decision, ShouldEqual, resolve.DecisionCompleted)
			So(r3.Consensus.Result.Label, ShouldEqual, "positive")
			So(r3.Consensus.Result.Confidence, ShouldAlmostEqual, 66.67, 0.01)
			So(len(r3.Consensus.PayoutIDs), ShouldEqual, 2)

			So(f.rail.Total(a.Address).Equal(apptest.USD("0.10")), ShouldBeTrue)
			So(f.rail.Total(b.Address).Equal(apptest.USD("0.10")), ShouldBeTrue)
			So(f.rail.Total(c.Address).IsZero(), ShouldBeTrue)
		})

		Convey("Then a fourth worker moves on to the next task", func() {
			d := f.worker(t, "")
			next, err := f.svc.GetNextTask(ctx, d.ID, "")
			So(err, ShouldBeNil)
			So(next.ID, ShouldNotEqual, t1.ID)
		})

		Convey("Then a repeated answer is rejected", func() {
			_, err := f.svc.SubmitResponse(ctx, tasks.Submission{TaskID: t1.ID, WorkerID: a.ID, Value: "positive"})
			So(err, ShouldNotBeNil)
		})

		Convey("Then winners earn completion points and a one-day streak", func() {
			bal, err := f.svc.GetPointsBalance(ctx, a.ID)
			So(err, ShouldBeNil)
			So(bal.Available, ShouldEqual, f.cfg.TaskCompletionPoints)

			st, err := f.svc.GetStreakStats(ctx, a.ID)
			So(err, ShouldBeNil)
			So(st.Current, ShouldEqual, 1)
			So(st.NextMilestone, ShouldEqual, 7)
		})

		Convey("Then the history shows one confirmed task payment", func() {
			txs, err := f.svc.Transactions(ctx, a.ID, 10, 0)
			So(err, ShouldBeNil)
			So(len(txs), ShouldEqual, 1)
			So(txs[0].Type, ShouldEqual, model.TxTaskPayment)
			So(txs[0].Status, ShouldEqual, model.TxConfirmed)
		})

		Convey("Then a sweep finds nothing left to do", func() {
			res, err := f.svc.Sweep(ctx)
			So(err, ShouldBeNil)
			So(res.Reconciled, ShouldEqual, 0)
			So(res.Retried, ShouldEqual, 0)
		})

		Convey("Then stats report the resolved task", func() {
			stats := f.svc.GetStats()
			byStatus, ok := stats["tasks"].(map[model.TaskStatus]int64)
			So(ok, ShouldBeTrue)
			So(byStatus[model.StatusCompleted], ShouldEqual, 1)
		})
	})
}

func TestService_Redeem(t *testing.T) {
	Convey("Given a worker with points and a funded pool", t, func() {
		f := newFixture(t, nil, service.WithInlinePayouts())
		ctx := context.Background()
		// $60 of revenue leaves a $12 pool
		f.launch(t, 20, "1.00")
		w := f.worker(t, "")

		ref := "seed:" + w.ID
		So(f.db.Create(&model.PointsEntry{
			ID:        uuid.NewString(),
			WorkerID:  w.ID,
			Points:    1000,
			Activity:  model.ActivityTaskCompletion,
			Reference: &ref,
			IssuedAt:  f.clock.Now().Add(-time.Hour),
			ExpiresAt: f.clock.Now().AddDate(1, 0, 0),
		}).Error, ShouldBeNil)

		Convey("When the request is below the minimum", func() {
			_, err := f.svc.RedeemPoints(ctx, w.ID, "", 999)

			Convey("Then it is refused with MINIMUM_NOT_MET", func() {
				var re *ledger.RedeemError
				So(errors.As(err, &re), ShouldBeTrue)
				So(re.Reason, ShouldEqual, ledger.ReasonMinimumNotMet)
			})
		})

		Convey("When the worker has not answered anything recently", func() {
			_, err := f.svc.RedeemPoints(ctx, w.ID, "", 1000)

			Convey("Then it is refused as inactive", func() {
				var re *ledger.RedeemError
				So(errors.As(err, &re), ShouldBeTrue)
				So(re.Reason, ShouldEqual, ledger.ReasonInactiveWorker)
			})
		})

		Convey("When an active worker redeems exactly the minimum", func() {
			f.answer(t, w, "neutral")
			out, err := f.svc.RedeemPoints(ctx, w.ID, "wallet-1", 1000)

			Convey("Then ten dollars are paid to the destination", func() {
				So(err, ShouldBeNil)
				So(out.AmountUSD.Equal(apptest.USD("10.00")), ShouldBeTrue)
				So(out.Status, ShouldEqual, model.TxConfirmed)
				So(f.rail.Total("wallet-1").Equal(apptest.USD("10.00")), ShouldBeTrue)

				pool, err := f.svc.PoolStatus(ctx)
				So(err, ShouldBeNil)
				So(pool.Available.Equal(apptest.USD("2.00")), ShouldBeTrue)
			})
		})
	})
}

func TestService_Referral(t *testing.T) {
	Convey("Given a referee who joined with a referral code", t, func() {
		f := newFixture(t, func(c *config.Config) { c.ReferralThreshold = 1 }, service.WithInlinePayouts())
		ctx := context.Background()
		f.launch(t, 1, "0.10")

		referrer := f.worker(t, "")
		stats, err := f.svc.GetReferralStats(ctx, referrer.ID)
		So(err, ShouldBeNil)
		referee := f.worker(t, stats.Code)
		So(*referee.ReferredBy, ShouldEqual, referrer.ID)

		Convey("When the referee completes the threshold task", func() {
			_, res := f.answer(t, referee, "positive")

			Convey("Then both sides are paid once", func() {
				So(len(res.PayoutIDs), ShouldEqual, 2)
				So(f.rail.Total(referrer.Address).Equal(apptest.USD("1.00")), ShouldBeTrue)
				So(f.rail.Total(referee.Address).Equal(apptest.USD("0.50")), ShouldBeTrue)

				st, err := f.svc.GetReferralStats(ctx, referrer.ID)
				So(err, ShouldBeNil)
				So(st.TotalReferrals, ShouldEqual, 1)
				So(st.ActiveReferrals, ShouldEqual, 1)
				So(st.TotalEarnedUSD.Equal(apptest.USD("1.00")), ShouldBeTrue)
			})
		})

		Convey("When a code does not decode", func() {
			_, err := f.svc.RegisterWorker(ctx, "addr-x", 0, "%%%")
			So(errors.Is(err, milestones.ErrInvalidReferralCode), ShouldBeTrue)
		})
	})
}

func TestService_QueuedPayouts(t *testing.T) {
	Convey("Given a started service with queued payouts", t, func() {
		f := newFixture(t, nil)
		ctx := context.Background()
		So(f.svc.Start(ctx), ShouldBeNil)
		So(f.svc.Start(ctx), ShouldBeNil)
		f.launch(t, 1, "0.25")
		a, b, c := f.worker(t, ""), f.worker(t, ""), f.worker(t, "")

		f.answer(t, a, "neutral")
		f.answer(t, b, "neutral")
		f.answer(t, c, "neutral")

		Convey("When the service stops", func() {
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			So(f.svc.Stop(stopCtx), ShouldBeNil)

			Convey("Then every queued payout was settled", func() {
				for _, w := range []*model.Worker{a, b, c} {
					txs, err := f.svc.Transactions(ctx, w.ID, 10, 0)
					So(err, ShouldBeNil)
					So(len(txs), ShouldEqual, 1)
					So(txs[0].Status, ShouldEqual, model.TxConfirmed)
				}
				So(f.rail.Transfers(), ShouldEqual, 3)
			})
		})
	})
}

func TestService_New(t *testing.T) {
	Convey("Given a config with a malformed pool share", t, func() {
		cfg := config.New(context.Background())
		cfg.PoolShare = "a fifth"

		_, err := service.New(cfg, apptest.DB(t), rail.NewSimulated())
		So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
	})

	Convey("Given a config naming an unknown task type", t, func() {
		cfg := config.New(context.Background())
		cfg.TypeMinVerification = map[string]int{"transcription": 1}

		_, err := service.New(cfg, apptest.DB(t), rail.NewSimulated())
		So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
	})
}
