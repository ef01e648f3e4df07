package donations_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/okian/laufevent/internal/adapters/repository/memory"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFromAmount(t *testing.T) {
	Convey("Amounts convert to cents", t, func() {
		for amount, want := range map[float64]donations.Cents{
			5.0:    500,
			15.0:   1500,
			0.1:    10,
			19.99:  1999,
			0.005:  1,
			1.0049: 100,
		} {
			got, err := donations.FromAmount(amount)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, want)
		}
	})

	Convey("Non-positive and non-finite amounts are rejected", t, func() {
		for _, amount := range []float64{0, -1, 0.004, math.NaN(), math.Inf(1), 1e300} {
			_, err := donations.FromAmount(amount)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)
		}
	})

	Convey("Cents render with two decimals", t, func() {
		So(donations.Cents(2000).String(), ShouldEqual, "20.00")
		So(donations.Cents(5).Amount(), ShouldEqual, 0.05)
	})
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	Convey("Given a ledger with a provisioned participant", t, func() {
		s := memory.New()
		l := donations.NewLedger(s)
		So(s.Provision(ctx, 7), ShouldBeNil)

		Convey("5.0 then 15.0 add up to 20.0", func() {
			_, err := l.AddAmount(ctx, 7, 5.0)
			So(err, ShouldBeNil)
			r, err := l.AddAmount(ctx, 7, 15.0)
			So(err, ShouldBeNil)
			So(r, ShouldResemble, donations.Receipt{UID: 7, Previous: 500, Delta: 1500, New: 2000})

			total, err := l.Total(ctx, 7)
			So(err, ShouldBeNil)
			So(total.Amount(), ShouldEqual, 20.0)
		})

		Convey("A non-positive delta leaves the total unchanged", func() {
			_, err := l.Add(ctx, 7, 0)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)
			_, err = l.AddAmount(ctx, 7, -3)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)

			total, err := l.Total(ctx, 7)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, donations.Cents(0))
		})

		Convey("An unknown participant is not found", func() {
			_, err := l.AddAmount(ctx, 8, 1)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			_, err = l.Total(ctx, 8)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestLedgerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent additions sum exactly", prop.ForAll(
		func(deltas []int64) bool {
			ctx := context.Background()
			s := memory.New()
			l := donations.NewLedger(s)
			if err := s.Provision(ctx, 1); err != nil {
				return false
			}
			var (
				wg   sync.WaitGroup
				want int64
				fail = make(chan error, len(deltas))
			)
			for _, d := range deltas {
				want += d
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Add(ctx, 1, donations.Cents(d)); err != nil {
						fail <- err
					}
				}()
			}
			wg.Wait()
			close(fail)
			if len(fail) > 0 {
				return false
			}
			total, err := l.Total(ctx, 1)
			return err == nil && int64(total) == want
		},
		gen.SliceOf(gen.Int64Range(1, 1_000_000)),
	))

	properties.Property("every receipt is previous plus delta", prop.ForAll(
		func(deltas []int64) bool {
			ctx := context.Background()
			s := memory.New()
			l := donations.NewLedger(s)
			if err := s.Provision(ctx, 1); err != nil {
				return false
			}
			var prev donations.Cents
			for _, d := range deltas {
				r, err := l.Add(ctx, 1, donations.Cents(d))
				if err != nil || r.Previous != prev || r.New != r.Previous+r.Delta {
					return false
				}
				prev = r.New
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 1_000_000)),
	))

	properties.TestingRun(t)
}
