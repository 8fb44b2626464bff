package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/domain/fault"
	"github.com/okian/bawo/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"
)

type fixture struct {
	ctx   context.Context
	db    *gorm.DB
	clock *apptest.Clock
	sim   *rail.Simulated
	pay   *payouts.Service
	led   *ledger.Service
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	f := &fixture{
		ctx:   context.Background(),
		db:    apptest.DB(t),
		clock: apptest.NewClock(time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)),
		sim:   rail.NewSimulated(),
	}
	f.pay = payouts.New(f.db, f.sim, payouts.WithClock(f.clock.Now))
	f.led = ledger.New(f.db, f.pay, append([]ledger.Option{ledger.WithClock(f.clock.Now)}, opts...)...)
	return f
}

func (f *fixture) award(t *testing.T, workerID string, points int64) {
	_, err := f.led.Award(f.ctx, nil, ledger.Grant{WorkerID: workerID, Points: points, Activity: model.ActivityTaskCompletion})
	if err != nil {
		t.Fatalf("award: %v", err)
	}
}

func (f *fixture) respond(t *testing.T, workerID string, at time.Time) {
	r := model.Response{ID: uuid.NewString(), TaskID: uuid.NewString(), WorkerID: workerID, Value: "positive", SubmittedAt: at}
	if err := f.db.Create(&r).Error; err != nil {
		t.Fatalf("respond: %v", err)
	}
}

func reason(err error) ledger.Reason {
	var re *ledger.RedeemError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

func TestAward(t *testing.T) {
	Convey("Given a worker", t, func() {
		f := newFixture(t)
		w := apptest.Worker(t, f.db)

		Convey("When points are awarded", func() {
			f.award(t, w.ID, 5)
			_, err := f.led.Award(f.ctx, nil, ledger.Grant{WorkerID: w.ID, Points: 2, Activity: model.ActivityGoldenBonus})
			So(err, ShouldBeNil)

			Convey("Then they are available and grouped by activity", func() {
				n, err := f.led.Available(f.ctx, w.ID)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 7)

				b, err := f.led.Breakdown(f.ctx, w.ID)
				So(err, ShouldBeNil)
				So(b[model.ActivityTaskCompletion], ShouldEqual, 5)
				So(b[model.ActivityGoldenBonus], ShouldEqual, 2)
			})

			Convey("Then they expire after twelve months", func() {
				f.clock.Advance(366 * 24 * time.Hour)
				n, err := f.led.Available(f.ctx, w.ID)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)
			})
		})

		Convey("When a referenced grant repeats", func() {
			g := ledger.Grant{WorkerID: w.ID, Points: 100, Activity: model.ActivityQualityBonus, Reference: "quality:" + w.ID + ":bronze"}
			first, err := f.led.Award(f.ctx, nil, g)
			So(err, ShouldBeNil)
			second, err := f.led.Award(f.ctx, nil, g)
			So(err, ShouldBeNil)

			Convey("Then only the first is written", func() {
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)
				n, _ := f.led.Available(f.ctx, w.ID)
				So(n, ShouldEqual, 100)
			})
		})

		Convey("When the grant is invalid", func() {
			_, err := f.led.Award(f.ctx, nil, ledger.Grant{WorkerID: w.ID, Points: 0, Activity: model.ActivityTaskCompletion})
			So(errors.Is(err, ledger.ErrInvalidPoints), ShouldBeTrue)
			_, err = f.led.Award(f.ctx, nil, ledger.Grant{WorkerID: w.ID, Points: 1, Activity: "training_task"})
			So(errors.Is(err, ledger.ErrInvalidActivity), ShouldBeTrue)
			_, err = f.led.Award(f.ctx, nil, ledger.Grant{WorkerID: "ghost", Points: 1, Activity: model.ActivityTaskCompletion})
			So(errors.Is(err, ledger.ErrWorkerNotFound), ShouldBeTrue)
			So(fault.Kind(err), ShouldEqual, fault.ErrNotFound)
		})
	})
}

func TestRedeem(t *testing.T) {
	Convey("Given an active worker with 1500 points and $500 of monthly revenue", t, func() {
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		for _, p := range []int64{600, 500, 400} {
			f.award(t, w.ID, p)
			f.clock.Advance(time.Minute)
		}
		f.respond(t, w.ID, f.clock.Now().Add(-24*time.Hour))
		So(f.led.RecordRevenue(f.ctx, nil, apptest.USD("500")), ShouldBeNil)

		Convey("When 1000 points are redeemed", func() {
			out, err := f.led.Redeem(f.ctx, w.ID, "", 1000)

			Convey("Then whole entries are consumed oldest first", func() {
				So(err, ShouldBeNil)
				So(out.AmountUSD.String(), ShouldEqual, "10")
				So(out.Consumed, ShouldEqual, 1100)
				So(out.Status, ShouldEqual, model.TxConfirmed)
				So(out.Receipt, ShouldNotBeEmpty)

				left, _ := f.led.Available(f.ctx, w.ID)
				So(left, ShouldEqual, 400)
			})

			Convey("Then the pool is charged the requested amount and the rail paid it", func() {
				st, err := f.led.PoolStatus(f.ctx)
				So(err, ShouldBeNil)
				So(st.CapUSD.String(), ShouldEqual, "100")
				So(st.RedeemedUSD.String(), ShouldEqual, "10")
				So(st.Available.String(), ShouldEqual, "90")
				So(st.Percentage, ShouldEqual, 90)
				So(f.sim.Total(w.Address).String(), ShouldEqual, "10")
			})
		})

		Convey("When the request is below the minimum and more than available", func() {
			_, err := f.led.Redeem(f.ctx, w.ID, "", 999)
			Convey("Then the minimum is reported first", func() {
				So(reason(err), ShouldEqual, ledger.ReasonMinimumNotMet)
				So(fault.Kind(err), ShouldEqual, fault.ErrBusiness)
			})
		})

		Convey("When more points are requested than available", func() {
			_, err := f.led.Redeem(f.ctx, w.ID, "", 2000)
			So(reason(err), ShouldEqual, ledger.ReasonInsufficientPoints)
		})

		Convey("When the pool cannot cover the request", func() {
			f.award(t, w.ID, 20_000)
			_, err := f.led.Redeem(f.ctx, w.ID, "", 15_000)
			So(reason(err), ShouldEqual, ledger.ReasonPoolInsufficient)
		})

		Convey("When the worker has been idle for a month", func() {
			So(f.db.Where("worker_id = ?", w.ID).Delete(&model.Response{}).Error, ShouldBeNil)
			f.respond(t, w.ID, f.clock.Now().Add(-31*24*time.Hour))
			_, err := f.led.Redeem(f.ctx, w.ID, "", 1000)
			Convey("Then the redemption is refused as inactive and nothing is consumed", func() {
				So(reason(err), ShouldEqual, ledger.ReasonInactiveWorker)
				left, _ := f.led.Available(f.ctx, w.ID)
				So(left, ShouldEqual, 1500)
			})
		})

		Convey("When the worker is also idle and the pool is empty", func() {
			f.clock.Set(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
			_, err := f.led.Redeem(f.ctx, w.ID, "", 1000)
			Convey("Then the pool reason wins over inactivity", func() {
				So(reason(err), ShouldEqual, ledger.ReasonPoolInsufficient)
			})
		})

		Convey("When the rail is down", func() {
			f.sim.SetSendFailure(func(rail.Payment) error { return rail.ErrUnavailable })
			out, err := f.led.Redeem(f.ctx, w.ID, "override-addr", 1000)

			Convey("Then the redemption stands and the payout waits for retry", func() {
				So(err, ShouldBeNil)
				So(out.Status, ShouldEqual, model.TxFailed)
				tx, err := f.pay.Get(f.ctx, out.TransactionID)
				So(err, ShouldBeNil)
				So(tx.Destination, ShouldEqual, "override-addr")
				So(tx.Type, ShouldEqual, model.TxPointsRedemption)
			})
		})
	})
}

func TestRedeemPoolCap(t *testing.T) {
	Convey("Given ten workers racing for a $25 pool", t, func() {
		f := newFixture(t, ledger.WithPolicy(ledger.Policy{
			PointsPerUSD:  100,
			MinRedemption: 100,
			PoolShare:     apptest.USD("0.25"),
			ExpiryMonths:  12,
			ActiveWindow:  30 * 24 * time.Hour,
		}))
		So(f.led.RecordRevenue(f.ctx, nil, apptest.USD("100")), ShouldBeNil)

		workers := make([]*model.Worker, 10)
		for i := range workers {
			workers[i] = apptest.Worker(t, f.db)
			f.award(t, workers[i].ID, 1000)
			f.respond(t, workers[i].ID, f.clock.Now())
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ok      int
			refused int
		)
		for _, w := range workers {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.led.Redeem(f.ctx, id, "", 1000)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ok++
				} else if reason(err) == ledger.ReasonPoolInsufficient {
					refused++
				}
			}(w.ID)
		}
		wg.Wait()

		Convey("Then redemptions never exceed the cap", func() {
			So(ok, ShouldEqual, 2)
			So(refused, ShouldEqual, 8)
			st, _ := f.led.PoolStatus(f.ctx)
			So(st.RedeemedUSD.String(), ShouldEqual, "20")
			So(st.Available.String(), ShouldEqual, "5")
		})
	})
}

func TestRedeemPoolBoundary(t *testing.T) {
	Convey("Given $100 of revenue with $19 already redeemed", t, func() {
		f := newFixture(t, ledger.WithPolicy(ledger.Policy{
			PointsPerUSD:  100,
			MinRedemption: 100,
			PoolShare:     apptest.USD("0.20"),
			ExpiryMonths:  12,
			ActiveWindow:  30 * 24 * time.Hour,
		}))
		So(f.led.RecordRevenue(f.ctx, nil, apptest.USD("100")), ShouldBeNil)

		earlier := apptest.Worker(t, f.db)
		f.award(t, earlier.ID, 1900)
		f.respond(t, earlier.ID, f.clock.Now())
		_, err := f.led.Redeem(f.ctx, earlier.ID, "", 1900)
		So(err, ShouldBeNil)

		w := apptest.Worker(t, f.db)
		for i := 0; i < 3; i++ {
			f.award(t, w.ID, 100)
		}
		f.respond(t, w.ID, f.clock.Now())

		Convey("When 200 points are requested", func() {
			_, err := f.led.Redeem(f.ctx, w.ID, "", 200)

			Convey("Then the pool refuses it and nothing is consumed", func() {
				So(reason(err), ShouldEqual, ledger.ReasonPoolInsufficient)
				left, _ := f.led.Available(f.ctx, w.ID)
				So(left, ShouldEqual, 300)
			})

			Convey("Then 100 points still fit and empty the pool", func() {
				out, err := f.led.Redeem(f.ctx, w.ID, "", 100)
				So(err, ShouldBeNil)
				So(out.AmountUSD.StringFixed(2), ShouldEqual, "1.00")

				remaining, err := f.led.PoolRemaining(f.ctx)
				So(err, ShouldBeNil)
				So(remaining.IsZero(), ShouldBeTrue)
			})
		})
	})

	Convey("Given a worker holding exactly the minimum", t, func() {
		f := newFixture(t)
		So(f.led.RecordRevenue(f.ctx, nil, apptest.USD("500")), ShouldBeNil)
		w := apptest.Worker(t, f.db)
		f.award(t, w.ID, 1000)
		f.respond(t, w.ID, f.clock.Now())

		Convey("Then all 1000 points redeem for $10.00", func() {
			out, err := f.led.Redeem(f.ctx, w.ID, "", 1000)
			So(err, ShouldBeNil)
			So(out.AmountUSD.StringFixed(2), ShouldEqual, "10.00")
			So(out.Status, ShouldEqual, model.TxConfirmed)

			left, _ := f.led.Available(f.ctx, w.ID)
			So(left, ShouldEqual, 0)
		})
	})
}

func TestBalance(t *testing.T) {
	Convey("Given a worker with points and no revenue this month", t, func() {
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		f.award(t, w.ID, 250)

		b, err := f.led.Balance(f.ctx, w.ID)
		So(err, ShouldBeNil)
		So(b.Available, ShouldEqual, 250)
		So(b.ValueUSD.String(), ShouldEqual, "2.5")
		So(b.MinimumRedemption, ShouldEqual, 1000)
		So(b.Pool.Available.IsZero(), ShouldBeTrue)
		So(b.Pool.Percentage, ShouldEqual, 0)

		_, err = f.led.Balance(f.ctx, "ghost")
		So(errors.Is(err, ledger.ErrWorkerNotFound), ShouldBeTrue)
	})
}
