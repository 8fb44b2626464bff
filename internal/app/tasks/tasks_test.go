package tasks_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/bawo/internal/adapters/rail"
	"github.com/okian/bawo/internal/app/apptest"
	"github.com/okian/bawo/internal/app/golden"
	"github.com/okian/bawo/internal/app/ledger"
	"github.com/okian/bawo/internal/app/payouts"
	"github.com/okian/bawo/internal/app/tasks"
	"github.com/okian/bawo/internal/app/workers"
	"github.com/okian/bawo/internal/domain/model"
	"github.com/okian/bawo/internal/domain/reputation"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"
)

type fixture struct {
	db  *gorm.DB
	svc *tasks.Service
}

func newFixture(t *testing.T, goldenOpts ...golden.Option) *fixture {
	db := apptest.DB(t)
	pay := payouts.New(db, rail.NewSimulated())
	led := ledger.New(db, pay)
	ws := workers.New(db, reputation.New(), led)
	g := golden.New(db, ws, pay, led, append([]golden.Option{golden.WithRate(0)}, goldenOpts...)...)
	return &fixture{db: db, svc: tasks.New(db, g, ws)}
}

// queue inserts n regular tasks one minute apart, oldest first.
func (f *fixture) queue(t *testing.T, n int, mutate ...func(*model.Task)) []*model.Task {
	base := time.Now().UTC().Add(-time.Hour)
	out := make([]*model.Task, n)
	for i := range out {
		at := base.Add(time.Duration(i) * time.Minute)
		pos := i
		out[i] = apptest.Task(t, f.db, append([]func(*model.Task){func(task *model.Task) {
			task.CreatedAt = at
			task.Position = pos
		}}, mutate...)...)
	}
	return out
}

func TestNext(t *testing.T) {
	ctx := context.Background()

	Convey("Given a FIFO queue of regular tasks", t, func() {
		f := newFixture(t)
		queued := f.queue(t, 3)

		Convey("Then the first three workers share the oldest task and the fourth moves on", func() {
			for i := 0; i < 3; i++ {
				w := apptest.Worker(t, f.db)
				got, err := f.svc.Next(ctx, w.ID, "")
				So(err, ShouldBeNil)
				So(got.ID, ShouldEqual, queued[0].ID)
				So(got.AssignedCount, ShouldEqual, i+1)
				So(got.Status, ShouldEqual, model.StatusAssigned)
			}
			w := apptest.Worker(t, f.db)
			got, err := f.svc.Next(ctx, w.ID, model.TaskSentiment)
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, queued[1].ID)
		})

		Convey("Then one worker never gets the same task twice", func() {
			w := apptest.Worker(t, f.db)
			a, _ := f.svc.Next(ctx, w.ID, "")
			b, _ := f.svc.Next(ctx, w.ID, "")
			So(a.ID, ShouldEqual, queued[0].ID)
			So(b.ID, ShouldEqual, queued[1].ID)
		})

		Convey("When the worker already holds three unanswered sentiment tasks", func() {
			w := apptest.Worker(t, f.db)
			for i := 0; i < 3; i++ {
				_, err := f.svc.Next(ctx, w.ID, "")
				So(err, ShouldBeNil)
			}
			held, err := f.svc.Held(ctx, w.ID)
			So(err, ShouldBeNil)
			So(held, ShouldHaveLength, 3)

			Convey("Then more sentiment work is refused", func() {
				f.queue(t, 1)
				_, err := f.svc.Next(ctx, w.ID, model.TaskSentiment)
				So(errors.Is(err, tasks.ErrTooManyHeld), ShouldBeTrue)
			})

			Convey("Then other types may still be served", func() {
				got, err := f.svc.Next(ctx, w.ID, "")
				So(err, ShouldBeNil)
				So(got, ShouldBeNil)
			})
		})
	})

	Convey("Given an empty queue", t, func() {
		f := newFixture(t)
		w := apptest.Worker(t, f.db)
		got, err := f.svc.Next(ctx, w.ID, "")
		So(err, ShouldBeNil)
		So(got, ShouldBeNil)
	})

	Convey("Given invalid requests", t, func() {
		f := newFixture(t)
		w := apptest.Worker(t, f.db)

		_, err := f.svc.Next(ctx, "nobody", "")
		So(err, ShouldEqual, tasks.ErrWorkerNotFound)

		_, err = f.svc.Next(ctx, w.ID, "poetry")
		So(errors.Is(err, tasks.ErrUnknownType), ShouldBeTrue)

		_, err = f.svc.Next(ctx, w.ID, model.TaskRLHF)
		So(err, ShouldEqual, tasks.ErrNotEligible)
	})

	Convey("Given golden injection fires on every request", t, func() {
		f := newFixture(t, golden.WithRate(0.10), golden.WithRand(func() float64 { return 0 }))
		regular := f.queue(t, 1)
		item := apptest.Task(t, f.db, func(task *model.Task) {
			task.IsGolden = true
			task.GoldenAnswer = "positive"
			task.CreatedAt = time.Now().UTC()
		})

		Convey("Then the first worker gets the golden item and the next falls back to FIFO", func() {
			a := apptest.Worker(t, f.db)
			got, err := f.svc.Next(ctx, a.ID, "")
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, item.ID)
			So(got.AssignedCount, ShouldEqual, 1)

			b := apptest.Worker(t, f.db)
			got, err = f.svc.Next(ctx, b.ID, "")
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, regular[0].ID)
		})
	})

	Convey("Given many workers racing for one task", t, func() {
		f := newFixture(t)
		only := f.queue(t, 1)[0]
		const racers = 12
		ids := make([]string, racers)
		for i := range ids {
			ids[i] = apptest.Worker(t, f.db).ID
		}

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				got, err := f.svc.Next(ctx, id, "")
				if err == nil && got != nil {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		Convey("Then exactly the fan-out is assigned without duplicates", func() {
			So(won, ShouldEqual, 3)
			got := apptest.Reload[model.Task](t, f.db, only.ID)
			So(got.AssignedCount, ShouldEqual, 3)
			So(got.AssignedTo, ShouldHaveLength, 3)
			seen := map[string]bool{}
			for _, id := range got.AssignedTo {
				So(seen[id], ShouldBeFalse)
				seen[id] = true
			}
		})
	})
}

func TestReturn(t *testing.T) {
	ctx := context.Background()

	Convey("Given a task held by two workers", t, func() {
		f := newFixture(t)
		task := f.queue(t, 1)[0]
		a := apptest.Worker(t, f.db)
		b := apptest.Worker(t, f.db)
		_, _ = f.svc.Next(ctx, a.ID, "")
		_, _ = f.svc.Next(ctx, b.ID, "")

		Convey("When one returns it", func() {
			So(f.svc.Return(ctx, task.ID, a.ID), ShouldBeNil)

			Convey("Then only that worker is removed and the task stays assigned", func() {
				got := apptest.Reload[model.Task](t, f.db, task.ID)
				So(got.Status, ShouldEqual, model.StatusAssigned)
				So([]string(got.AssignedTo), ShouldResemble, []string{b.ID})
				So(got.AssignedCount, ShouldEqual, 1)
			})

			Convey("Then the last return puts it back to pending", func() {
				So(f.svc.Return(ctx, task.ID, b.ID), ShouldBeNil)
				got := apptest.Reload[model.Task](t, f.db, task.ID)
				So(got.Status, ShouldEqual, model.StatusPending)
				So(got.AssignedCount, ShouldEqual, 0)
			})
		})

		Convey("When a worker that answered tries to return it", func() {
			_, err := f.svc.Submit(ctx, tasks.Submission{TaskID: task.ID, WorkerID: a.ID, Value: "positive", LatencySeconds: 3})
			So(err, ShouldBeNil)
			So(f.svc.Return(ctx, task.ID, a.ID), ShouldBeNil)

			Convey("Then nothing changes", func() {
				So(apptest.Reload[model.Task](t, f.db, task.ID).AssignedCount, ShouldEqual, 2)
			})
		})

		Convey("When a stranger or a closed task is involved", func() {
			So(f.svc.Return(ctx, task.ID, "stranger"), ShouldBeNil)
			So(apptest.Reload[model.Task](t, f.db, task.ID).AssignedCount, ShouldEqual, 2)

			f.db.Model(&model.Task{}).Where("id = ?", task.ID).Update("status", model.StatusCompleted)
			So(f.svc.Return(ctx, task.ID, a.ID), ShouldBeNil)
			So(apptest.Reload[model.Task](t, f.db, task.ID).AssignedCount, ShouldEqual, 2)
		})

		Convey("When the task does not exist", func() {
			So(f.svc.Return(ctx, "missing", a.ID), ShouldEqual, tasks.ErrTaskNotFound)
		})
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	Convey("Given a task held by three workers", t, func() {
		f := newFixture(t)
		task := f.queue(t, 1)[0]
		ws := make([]*model.Worker, 3)
		for i := range ws {
			ws[i] = apptest.Worker(t, f.db)
			_, err := f.svc.Next(ctx, ws[i].ID, "")
			So(err, ShouldBeNil)
		}
		submit := func(w *model.Worker, v string) (*tasks.Receipt, error) {
			return f.svc.Submit(ctx, tasks.Submission{TaskID: task.ID, WorkerID: w.ID, Value: v, LatencySeconds: 4.2})
		}

		Convey("Then answers are stored and the third completes the fan-out", func() {
			rc, err := submit(ws[0], "positive")
			So(err, ShouldBeNil)
			So(rc.Complete, ShouldBeFalse)
			So(rc.Response.LatencySeconds, ShouldEqual, 4.2)
			So(rc.Response.IsCorrect, ShouldBeNil)

			_, err = submit(ws[1], "negative")
			So(err, ShouldBeNil)
			rc, err = submit(ws[2], "positive")
			So(err, ShouldBeNil)
			So(rc.Complete, ShouldBeTrue)

			So(apptest.Reload[model.Worker](t, f.db, ws[0].ID).TasksCompleted, ShouldEqual, 1)
		})

		Convey("Then invalid submissions are rejected without side effects", func() {
			_, err := submit(ws[0], "")
			So(err, ShouldEqual, tasks.ErrInvalidResponse)

			_, err = f.svc.Submit(ctx, tasks.Submission{TaskID: task.ID, WorkerID: ws[0].ID, Value: "positive", LatencySeconds: -1})
			So(err, ShouldEqual, tasks.ErrInvalidResponse)

			_, err = submit(ws[0], "ecstatic")
			So(errors.Is(err, tasks.ErrInvalidOption), ShouldBeTrue)

			stranger := apptest.Worker(t, f.db)
			_, err = submit(stranger, "positive")
			So(err, ShouldEqual, tasks.ErrNotAssigned)

			_, err = f.svc.Submit(ctx, tasks.Submission{TaskID: "missing", WorkerID: ws[0].ID, Value: "positive"})
			So(err, ShouldEqual, tasks.ErrTaskNotFound)

			var n int64
			f.db.Model(&model.Response{}).Count(&n)
			So(n, ShouldEqual, 0)
		})

		Convey("Then a second answer from the same worker is refused", func() {
			_, err := submit(ws[0], "positive")
			So(err, ShouldBeNil)
			_, err = submit(ws[0], "negative")
			So(err, ShouldEqual, tasks.ErrAlreadyAnswered)
		})

		Convey("Then a closed task takes no more answers", func() {
			f.db.Model(&model.Task{}).Where("id = ?", task.ID).Update("status", model.StatusReviewNeeded)
			_, err := submit(ws[0], "positive")
			So(err, ShouldEqual, tasks.ErrTaskClosed)
		})
	})

	Convey("Given a golden item held by a worker", t, func() {
		f := newFixture(t, golden.WithRate(1), golden.WithRand(func() float64 { return 0 }))
		item := apptest.Task(t, f.db, func(task *model.Task) {
			task.IsGolden = true
			task.GoldenAnswer = "negative"
		})
		w := apptest.Worker(t, f.db)
		got, err := f.svc.Next(ctx, w.ID, "")
		So(err, ShouldBeNil)
		So(got.ID, ShouldEqual, item.ID)

		rc, err := f.svc.Submit(ctx, tasks.Submission{TaskID: item.ID, WorkerID: w.ID, Value: "negative", LatencySeconds: 1})

		Convey("Then it is resolved immediately and a payout is issued", func() {
			So(err, ShouldBeNil)
			So(rc.Golden, ShouldNotBeNil)
			So(rc.Golden.Correct, ShouldBeTrue)
			So(rc.PayoutIDs, ShouldHaveLength, 1)
			So(rc.Complete, ShouldBeFalse)
			So(apptest.Reload[model.Task](t, f.db, item.ID).Status, ShouldEqual, model.StatusCompleted)
		})
	})
}

func TestStats(t *testing.T) {
	Convey("Stats counts every status", t, func() {
		ctx := context.Background()
		f := newFixture(t)
		f.queue(t, 2)
		f.queue(t, 1, func(task *model.Task) { task.Status = model.StatusCompleted })

		st, err := f.svc.Stats(ctx)
		So(err, ShouldBeNil)
		So(st[model.StatusPending], ShouldEqual, 2)
		So(st[model.StatusCompleted], ShouldEqual, 1)
		So(st[model.StatusReviewNeeded], ShouldEqual, 0)
	})
}
