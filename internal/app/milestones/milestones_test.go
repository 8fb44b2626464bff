package milestones_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/milestones"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *apptest.Clock
	rail  *rail.Simulated
	led   *ledger.Service
	svc   *milestones.Service
}

func newFixture(t *testing.T) *fixture {
	db := apptest.DB(t)
	clock := apptest.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	sim := rail.NewSimulated()
	pay := payouts.New(db, sim, payouts.WithClock(clock.Now))
	led := ledger.New(db, pay, ledger.WithClock(clock.Now))
	svc := milestones.New(db, pay, led,
		milestones.WithClock(clock.Now),
		milestones.WithDispatcher(payouts.NewInline(pay)))
	return &fixture{db: db, clock: clock, rail: sim, led: led, svc: svc}
}

// activeFor records one activity per day for n days, ending on the clock's day.
func (f *fixture) activeFor(t *testing.T, workerID string, n int) {
	end := f.clock.Now()
	f.clock.Advance(-time.Duration(n-1) * 24 * time.Hour)
	for i := 0; i < n; i++ {
		if err := f.svc.RecordActivity(context.Background(), workerID); err != nil {
			t.Fatalf("record activity: %v", err)
		}
		f.clock.Advance(24 * time.Hour)
	}
	f.clock.Set(end)
}

func TestRecordActivity(t *testing.T) {
	Convey("Given several submissions on the same day", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		for i := 0; i < 3; i++ {
			So(f.svc.RecordActivity(ctx, w.ID), ShouldBeNil)
		}

		Convey("Then one row counts them all", func() {
			var recs []model.StreakRecord
			f.db.Where("worker_id = ?", w.ID).Find(&recs)
			So(recs, ShouldHaveLength, 1)
			So(recs[0].Day, ShouldEqual, "2026-05-01")
			So(recs[0].TasksCompleted, ShouldEqual, 3)

			n, err := f.svc.CurrentStreak(ctx, w.ID)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
		})
	})
}

func TestCurrentStreak(t *testing.T) {
	Convey("Given five active days ending yesterday", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		f.clock.Advance(-24 * time.Hour)
		f.activeFor(t, w.ID, 5)
		f.clock.Advance(24 * time.Hour)

		Convey("Then the streak is still five", func() {
			n, _ := f.svc.CurrentStreak(ctx, w.ID)
			So(n, ShouldEqual, 5)
		})

		Convey("When a day is skipped", func() {
			f.clock.Advance(24 * time.Hour)
			n, _ := f.svc.CurrentStreak(ctx, w.ID)
			So(n, ShouldEqual, 0)
		})
	})
}

func TestStreakMilestones(t *testing.T) {
	Convey("Given a worker active seven days in a row", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		f.activeFor(t, w.ID, 7)

		ids, err := f.svc.CheckStreakMilestones(ctx, w.ID)

		Convey("Then the seven day bonus is paid once with its points", func() {
			So(err, ShouldBeNil)
			So(ids, ShouldHaveLength, 1)
			So(f.rail.Total(w.Address).Equal(apptest.USD("0.50")), ShouldBeTrue)
			pts, _ := f.led.Available(ctx, w.ID)
			So(pts, ShouldEqual, 50)

			again, err := f.svc.CheckStreakMilestones(ctx, w.ID)
			So(err, ShouldBeNil)
			So(again, ShouldBeEmpty)
			So(f.rail.SendCalls(), ShouldEqual, 1)
		})

		Convey("When the streak breaks and reaches seven again", func() {
			f.clock.Advance(10 * 24 * time.Hour)
			f.activeFor(t, w.ID, 7)
			again, err := f.svc.CheckStreakMilestones(ctx, w.ID)

			Convey("Then it is not paid a second time", func() {
				So(err, ShouldBeNil)
				So(again, ShouldBeEmpty)
				So(f.rail.Total(w.Address).Equal(apptest.USD("0.50")), ShouldBeTrue)
			})
		})

		Convey("When the streak reaches thirty days", func() {
			f.clock.Advance(23 * 24 * time.Hour)
			f.activeFor(t, w.ID, 30)
			ids, err := f.svc.CheckStreakMilestones(ctx, w.ID)

			Convey("Then the thirty day bonus follows", func() {
				So(err, ShouldBeNil)
				So(ids, ShouldHaveLength, 1)
				So(f.rail.Total(w.Address).Equal(apptest.USD("5.50")), ShouldBeTrue)

				st, err := f.svc.StreakStats(ctx, w.ID)
				So(err, ShouldBeNil)
				So(st.Current, ShouldEqual, 30)
				So(st.Longest, ShouldEqual, 30)
				So(st.TotalBonusesUSD.Equal(apptest.USD("5.50")), ShouldBeTrue)
				So(st.NextMilestone, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a six day streak", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		f.activeFor(t, w.ID, 6)

		ids, err := f.svc.CheckStreakMilestones(ctx, w.ID)
		So(err, ShouldBeNil)
		So(ids, ShouldBeEmpty)

		st, _ := f.svc.StreakStats(ctx, w.ID)
		So(st.NextMilestone, ShouldEqual, 7)
		So(st.TotalBonusesUSD.IsZero(), ShouldBeTrue)
	})

	Convey("Given an unknown worker", t, func() {
		f := newFixture(t)
		_, err := f.svc.StreakStats(context.Background(), "nobody")
		So(err, ShouldEqual, milestones.ErrWorkerNotFound)
	})
}

func TestReferral(t *testing.T) {
	Convey("Given a referee with a referrer", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		referrer := apptest.Worker(t, f.db)
		referee := apptest.Worker(t, f.db, func(w *model.Worker) { w.ReferredBy = &referrer.ID })
		setCount := func(n int64) {
			f.db.Model(&model.Worker{}).Where("id = ?", referee.ID).Update("tasks_completed", n)
		}

		Convey("When the referee has nine tasks", func() {
			setCount(9)
			ids, err := f.svc.CheckReferral(ctx, referee.ID)
			So(err, ShouldBeNil)
			So(ids, ShouldBeEmpty)
		})

		Convey("When the referee completes the tenth task", func() {
			setCount(10)
			ids, err := f.svc.CheckReferral(ctx, referee.ID)

			Convey("Then both sides are paid and the referrer earns points", func() {
				So(err, ShouldBeNil)
				So(ids, ShouldHaveLength, 2)
				So(f.rail.Total(referrer.Address).Equal(apptest.USD("1.00")), ShouldBeTrue)
				So(f.rail.Total(referee.Address).Equal(apptest.USD("0.50")), ShouldBeTrue)
				pts, _ := f.led.Available(ctx, referrer.ID)
				So(pts, ShouldEqual, 100)

				st, err := f.svc.ReferralStats(ctx, referrer.ID)
				So(err, ShouldBeNil)
				So(st.TotalReferrals, ShouldEqual, 1)
				So(st.ActiveReferrals, ShouldEqual, 1)
				So(st.TotalEarnedUSD.Equal(apptest.USD("1.00")), ShouldBeTrue)
			})

			Convey("Then checking again pays nothing", func() {
				again, err := f.svc.CheckReferral(ctx, referee.ID)
				So(err, ShouldBeNil)
				So(again, ShouldBeEmpty)
				So(f.rail.SendCalls(), ShouldEqual, 2)
			})
		})

		Convey("When the referee is past the threshold", func() {
			setCount(11)
			ids, err := f.svc.CheckReferral(ctx, referee.ID)
			So(err, ShouldBeNil)
			So(ids, ShouldBeEmpty)
		})
	})

	Convey("Given a worker who earned a referee bonus", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		top := apptest.Worker(t, f.db)
		mid := apptest.Worker(t, f.db, func(w *model.Worker) { w.ReferredBy = &top.ID; w.TasksCompleted = 10 })
		_, err := f.svc.CheckReferral(ctx, mid.ID)
		So(err, ShouldBeNil)

		Convey("Then their referee bonus does not count as referral earnings", func() {
			st, err := f.svc.ReferralStats(ctx, mid.ID)
			So(err, ShouldBeNil)
			So(st.TotalReferrals, ShouldEqual, 0)
			So(st.TotalEarnedUSD.IsZero(), ShouldBeTrue)
		})
	})
}

func TestReferralCode(t *testing.T) {
	Convey("Referral codes round-trip worker ids", t, func() {
		code := milestones.ReferralCode("6f1c2a40-9d1e-4c55-8f0a-1b2c3d4e5f60")
		id, err := milestones.ParseReferralCode(code)
		So(err, ShouldBeNil)
		So(id, ShouldEqual, "6f1c2a40-9d1e-4c55-8f0a-1b2c3d4e5f60")

		_, err = milestones.ParseReferralCode("!!")
		So(err, ShouldEqual, milestones.ErrInvalidReferralCode)
	})
}
