package consensus_test

import (
	"testing"

	"github.com/okian/bawo/internal/domain/consensus"
	. "github.com/smartystreets/goconvey/convey"
)

func TestTally(t *testing.T) {
	Convey("Given 2-of-3 rules", t, func() {
		rules := consensus.DefaultRules()

		Convey("When responses are [A, A, B]", func() {
			res, err := consensus.Tally([]string{"A", "A", "B"}, rules)

			Convey("Then A wins with 66.67% confidence", func() {
				So(err, ShouldBeNil)
				So(res.Reached, ShouldBeTrue)
				So(res.Label, ShouldEqual, "A")
				So(res.Count, ShouldEqual, 2)
				So(res.Confidence, ShouldAlmostEqual, 66.67, 0.01)
			})
		})

		Convey("When responses are [B, A, A]", func() {
			res, err := consensus.Tally([]string{"B", "A", "A"}, rules)

			Convey("Then order does not change the winner", func() {
				So(err, ShouldBeNil)
				So(res.Label, ShouldEqual, "A")
				So(res.Reached, ShouldBeTrue)
			})
		})

		Convey("When responses are [A, B, C]", func() {
			res, err := consensus.Tally([]string{"A", "B", "C"}, rules)

			Convey("Then no consensus is reached", func() {
				So(err, ShouldBeNil)
				So(res.Reached, ShouldBeFalse)
				So(res.Label, ShouldEqual, "A")
				So(res.Confidence, ShouldAlmostEqual, 33.33, 0.01)
			})
		})

		Convey("When all three agree", func() {
			res, _ := consensus.Tally([]string{"x", "x", "x"}, rules)
			So(res.Confidence, ShouldEqual, 100)
		})

		Convey("When fewer than three responses exist", func() {
			_, err := consensus.Tally([]string{"A", "A"}, rules)
			So(err, ShouldEqual, consensus.ErrNotEnoughResponses)
		})
	})

	Convey("Given a fan-out of 4", t, func() {
		rules := consensus.Rules{FanOut: 4, MinAgreement: 2}

		Convey("When two labels tie at 2", func() {
			res, err := consensus.Tally([]string{"B", "A", "A", "B"}, rules)

			Convey("Then the label that reached 2 first wins", func() {
				So(err, ShouldBeNil)
				So(res.Label, ShouldEqual, "A")
				So(res.Confidence, ShouldEqual, 50)
			})
		})
	})
}
