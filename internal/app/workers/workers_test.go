package workers_test

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/reputation"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"
)

func newService(t *testing.T) (*gorm.DB, *workers.Service, *ledger.Service) {
	db := apptest.DB(t)
	led := ledger.New(db, payouts.New(db, rail.NewSimulated()))
	return db, workers.New(db, reputation.New(), led, workers.WithQualityBonusPoints(100)), led
}

func TestRegister(t *testing.T) {
	Convey("Given the worker service", t, func() {
		ctx := context.Background()
		_, svc, _ := newService(t)

		Convey("When a worker registers with a referrer", func() {
			ref, err := svc.Register(ctx, workers.Registration{Address: "addr-ref"})
			So(err, ShouldBeNil)
			w, err := svc.Register(ctx, workers.Registration{Address: " addr-new ", VerificationLevel: 1, ReferrerID: ref.ID})
			So(err, ShouldBeNil)

			Convey("Then the worker starts as a newcomer linked to the referrer", func() {
				got, err := svc.ByAddress(ctx, "addr-new")
				So(err, ShouldBeNil)
				So(got.ID, ShouldEqual, w.ID)
				So(got.Tier, ShouldEqual, model.TierNewcomer)
				So(*got.ReferredBy, ShouldEqual, ref.ID)
				So(svc.SetReferrer(ctx, w.ID, ref.ID), ShouldEqual, workers.ErrReferrerAlreadyKnown)
			})
		})

		Convey("When registration input is bad", func() {
			_, err := svc.Register(ctx, workers.Registration{Address: ""})
			So(err, ShouldEqual, workers.ErrInvalidAddress)
			_, err = svc.Register(ctx, workers.Registration{Address: "a", VerificationLevel: 3})
			So(err, ShouldEqual, workers.ErrInvalidVerification)
			_, err = svc.Register(ctx, workers.Registration{Address: "a", ReferrerID: "ghost"})
			So(err, ShouldEqual, workers.ErrReferrerNotFound)

			_, err = svc.Register(ctx, workers.Registration{Address: "dup"})
			So(err, ShouldBeNil)
			_, err = svc.Register(ctx, workers.Registration{Address: "dup"})
			So(errors.Is(err, workers.ErrAddressTaken), ShouldBeTrue)
		})

		Convey("When a referrer is attached later", func() {
			a, _ := svc.Register(ctx, workers.Registration{Address: "a"})
			b, _ := svc.Register(ctx, workers.Registration{Address: "b"})
			So(svc.SetReferrer(ctx, b.ID, b.ID), ShouldEqual, workers.ErrSelfReferral)
			So(svc.SetReferrer(ctx, b.ID, a.ID), ShouldBeNil)
			got, _ := svc.Get(ctx, b.ID)
			So(*got.ReferredBy, ShouldEqual, a.ID)
		})
	})
}

func TestReputation(t *testing.T) {
	Convey("Given a worker with nine correct golden answers", t, func() {
		ctx := context.Background()
		db, svc, led := newService(t)
		w := apptest.Worker(t, db)
		golden := func(correct bool) reputation.Stats {
			var st reputation.Stats
			So(db.Transaction(func(tx *gorm.DB) error {
				var err error
				st, err = svc.UpdateAccuracy(ctx, tx, w.ID, correct)
				return err
			}), ShouldBeNil)
			return st
		}
		for i := 0; i < 9; i++ {
			golden(true)
		}

		Convey("When the tenth golden answer is correct", func() {
			st := golden(true)

			Convey("Then the worker is promoted to bronze with a quality bonus", func() {
				So(st.Tier, ShouldEqual, model.TierBronze)
				So(st.Accuracy, ShouldEqual, 100)
				So(st.TasksCompleted, ShouldEqual, 10)
				got, _ := svc.Get(ctx, w.ID)
				So(got.Tier, ShouldEqual, model.TierBronze)
				pts, _ := led.Available(ctx, w.ID)
				So(pts, ShouldEqual, 100)
			})

			Convey("Then dropping and regaining bronze pays the bonus once", func() {
				for i := 0; i < 4; i++ {
					golden(false)
				}
				got, _ := svc.Get(ctx, w.ID)
				So(got.Tier, ShouldEqual, model.TierNewcomer)
				for i := 0; i < 10; i++ {
					golden(true)
				}
				got, _ = svc.Get(ctx, w.ID)
				So(got.Tier, ShouldEqual, model.TierBronze)
				pts, _ := led.Available(ctx, w.ID)
				So(pts, ShouldEqual, 100)
			})
		})

		Convey("When the tenth golden answer is wrong", func() {
			st := golden(false)
			Convey("Then accuracy is 90% and the worker still reaches bronze", func() {
				So(st.Accuracy, ShouldEqual, 90)
				So(st.Tier, ShouldEqual, model.TierBronze)
			})
		})

		Convey("When non-golden work is recorded", func() {
			So(db.Transaction(func(tx *gorm.DB) error {
				_, err := svc.RecordCompletion(ctx, tx, w.ID)
				return err
			}), ShouldBeNil)
			got, _ := svc.Get(ctx, w.ID)
			So(got.TasksCompleted, ShouldEqual, 10)
			So(got.GoldenTotal, ShouldEqual, 9)
			So(got.Tier, ShouldEqual, model.TierBronze)
		})

		Convey("When the worker is unknown", func() {
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := svc.UpdateAccuracy(ctx, tx, "ghost", true)
				return err
			})
			So(err, ShouldEqual, workers.ErrWorkerNotFound)
		})
	})
}

func TestLeaderboard(t *testing.T) {
	Convey("Given workers with different records", t, func() {
		ctx := context.Background()
		db, svc, _ := newService(t)
		veteran := apptest.Worker(t, db, func(w *model.Worker) { w.AccuracyRate = 90; w.TasksCompleted = 200; w.Tier = model.TierSilver })
		sharp := apptest.Worker(t, db, func(w *model.Worker) { w.AccuracyRate = 100; w.TasksCompleted = 20 })
		apptest.Worker(t, db)

		board, err := svc.Leaderboard(ctx, 10)
		So(err, ShouldBeNil)

		Convey("Then idle workers are skipped and ranks follow the score", func() {
			So(board, ShouldHaveLength, 2)
			So(board[0].WorkerID, ShouldEqual, veteran.ID)
			So(board[0].Score, ShouldEqual, 93)
			So(board[1].WorkerID, ShouldEqual, sharp.ID)
			So(board[1].Score, ShouldEqual, 76)
			So(board[1].Rank, ShouldEqual, 2)
		})

		Convey("Then tiers are counted", func() {
			counts, err := svc.TierCounts(ctx)
			So(err, ShouldBeNil)
			So(counts[model.TierSilver], ShouldEqual, 1)
			So(counts[model.TierNewcomer], ShouldEqual, 2)
		})
	})
}
