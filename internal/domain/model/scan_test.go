package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/laufevent/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestScanEvent(t *testing.T) {
	base := time.Date(2025, 5, 17, 10, 0, 0, 0, time.UTC)

	Convey("Given scan events", t, func() {
		a := model.ScanEvent{UID: 1, Seq: 1, At: base}
		b := model.ScanEvent{UID: 1, Seq: 2, At: base}
		c := model.ScanEvent{UID: 1, Seq: 3, At: base.Add(time.Minute)}

		Convey("Compare orders by time then insertion", func() {
			So(a.Compare(b), ShouldBeLessThan, 0)
			So(b.Compare(a), ShouldBeGreaterThan, 0)
			So(c.Compare(b), ShouldBeGreaterThan, 0)
			So(a.Compare(a), ShouldEqual, 0)
		})

		Convey("Laps come from both neighbours", func() {
			r := model.AppendResult{Event: b, Prev: &a, Next: &c}
			So(r.Laps(), ShouldResemble, []time.Duration{0, time.Minute})
			So(model.AppendResult{Event: a}.Laps(), ShouldBeEmpty)
		})

		Convey("BestLap is the shorter side and rejects out-of-order neighbours", func() {
			best, ok, err := model.AppendResult{Event: b, Prev: &a, Next: &c}.BestLap()
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(best, ShouldEqual, time.Duration(0))

			_, ok, err = model.AppendResult{Event: a}.BestLap()
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			_, _, err = model.AppendResult{Event: a, Prev: &c}.BestLap()
			So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Normalize truncates to microseconds in UTC", func() {
			in := time.Date(2025, 5, 17, 12, 0, 0, 1_234_567, time.FixedZone("CEST", 2*3600))
			out := model.Normalize(in)
			So(out.Location(), ShouldEqual, time.UTC)
			So(out.Nanosecond(), ShouldEqual, 1_234_000)
			So(out.Hour(), ShouldEqual, 10)
		})
	})
}
