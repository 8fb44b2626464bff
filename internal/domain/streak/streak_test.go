package streak_test

import (
	"testing"
	"time"

	"github.com/okian/bawo/internal/domain/streak"
	. "github.com/smartystreets/goconvey/convey"
)

func days(end time.Time, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, streak.Day(end.AddDate(0, 0, -i)))
	}
	return out
}

func TestCurrent(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	Convey("Given seven consecutive days ending today", t, func() {
		d := days(now, 7)

		Convey("Then the current streak is 7 and starts six days ago", func() {
			r := streak.Current(d, now)
			So(r.Length, ShouldEqual, 7)
			So(r.Start, ShouldEqual, "2026-03-04")
			So(r.End, ShouldEqual, "2026-03-10")
		})

		Convey("When a duplicate day is recorded", func() {
			d = append(d, streak.Day(now))
			So(streak.Current(d, now).Length, ShouldEqual, 7)
		})
	})

	Convey("Given a run that ended yesterday", t, func() {
		d := days(now.AddDate(0, 0, -1), 3)

		Convey("Then it is still live", func() {
			So(streak.Current(d, now).Length, ShouldEqual, 3)
		})
	})

	Convey("Given a run that ended two days ago", t, func() {
		d := days(now.AddDate(0, 0, -2), 5)

		Convey("Then there is no current streak but the latest run is kept", func() {
			So(streak.Current(d, now).Length, ShouldEqual, 0)
			So(streak.Latest(d).Length, ShouldEqual, 5)
		})
	})

	Convey("Given a gap inside the history", t, func() {
		d := append(days(now, 2), days(now.AddDate(0, 0, -5), 4)...)

		Convey("Then the current run stops at the gap and the longest spans the older run", func() {
			So(streak.Current(d, now).Length, ShouldEqual, 2)
			So(streak.Longest(d), ShouldEqual, 4)
		})
	})

	Convey("Given no records", t, func() {
		So(streak.Current(nil, now).Length, ShouldEqual, 0)
		So(streak.Longest(nil), ShouldEqual, 0)
	})

	Convey("Given a timestamp late in a non-UTC zone", t, func() {
		loc := time.FixedZone("UTC+9", 9*3600)
		So(streak.Day(time.Date(2026, 3, 11, 2, 0, 0, 0, loc)), ShouldEqual, "2026-03-10")
	})
}
