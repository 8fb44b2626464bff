package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/okian/bawo/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()
		d := dedupe.NewInMemoryDeduper()

		Convey("When a key is acquired", func() {
			ok := d.Acquire(ctx, "tx-1")

			Convey("Then it is held", func() {
				So(ok, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And acquiring it again fails", func() {
				So(d.Acquire(ctx, "tx-1"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And after release it can be acquired again", func() {
				d.Release(ctx, "tx-1")
				So(d.Size(), ShouldEqual, 0)
				So(d.Acquire(ctx, "tx-1"), ShouldBeTrue)
			})
		})

		Convey("When releasing an unknown key", func() {
			d.Release(ctx, "nope")
			So(d.Size(), ShouldEqual, 0)
		})
	})

	Convey("Given a bounded deduper", t, func() {
		ctx := context.Background()
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))

		Convey("When more keys than the bound are acquired", func() {
			for i := 0; i < 4; i++ {
				So(d.Acquire(ctx, fmt.Sprintf("tx-%d", i)), ShouldBeTrue)
			}

			Convey("Then the oldest key is evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.Acquire(ctx, "tx-0"), ShouldBeTrue)
				So(d.Acquire(ctx, "tx-3"), ShouldBeFalse)
			})
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		ctx := context.Background()
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.Acquire(ctx, fmt.Sprintf("tx-%d", i))
		}
		So(d.Size(), ShouldEqual, 1000)
	})
}

func TestInMemoryDeduperConcurrency(t *testing.T) {
	Convey("Given many goroutines racing for one key", t, func() {
		ctx := context.Background()
		d := dedupe.NewInMemoryDeduper()

		var (
			wg  sync.WaitGroup
			won atomic.Int32
		)
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d.Acquire(ctx, "tx-hot") {
					won.Add(1)
				}
			}()
		}
		wg.Wait()

		Convey("Then exactly one wins", func() {
			So(won.Load(), ShouldEqual, 1)
		})
	})
}
