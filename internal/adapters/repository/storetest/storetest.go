// Package storetest holds the behaviour every repository.Store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// Opener returns a fresh, empty store. It is called once per leaf Convey block.
type Opener func(t *testing.T) repository.Store

var base = time.Date(2025, 5, 17, 10, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func scan(uid model.UID, d time.Duration) model.ScanEvent {
	return model.ScanEvent{ID: "scan", UID: uid, At: at(d)}
}

func collectSeq(t *testing.T, s repository.Store, uid model.UID, n int) []model.ScanEvent {
	t.Helper()
	seq, err := s.LastNScans(context.Background(), uid, n)
	So(err, ShouldBeNil)
	return slices.Collect(seq)
}

// Run executes the shared specs against stores produced by open.
func Run(t *testing.T, open Opener) {
	ctx := context.Background()

	Convey("Scan log", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("An unknown participant has no scans", func() {
			n, err := s.RoundCount(ctx, 999)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			So(collectSeq(t, s, 999, 5), ShouldBeEmpty)
		})

		Convey("Appends report neighbours and count up", func() {
			first, err := s.AppendScan(ctx, scan(42, 0))
			So(err, ShouldBeNil)
			So(first.Prev, ShouldBeNil)
			So(first.Next, ShouldBeNil)
			So(first.Event.Seq, ShouldBeGreaterThan, 0)

			second, err := s.AppendScan(ctx, scan(42, 5*time.Minute))
			So(err, ShouldBeNil)
			So(second.Prev, ShouldNotBeNil)
			So(second.Prev.At.Equal(at(0)), ShouldBeTrue)
			So(second.Next, ShouldBeNil)
			So(second.Event.Seq, ShouldBeGreaterThan, first.Event.Seq)

			n, err := s.RoundCount(ctx, 42)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			Convey("A late scan lands between its neighbours", func() {
				mid, err := s.AppendScan(ctx, scan(42, 2*time.Minute))
				So(err, ShouldBeNil)
				So(mid.Prev.At.Equal(at(0)), ShouldBeTrue)
				So(mid.Next.At.Equal(at(5*time.Minute)), ShouldBeTrue)
				So(mid.Laps(), ShouldResemble, []time.Duration{2 * time.Minute, 3 * time.Minute})
			})
		})

		Convey("Appends lower the fastest lap in the same step", func() {
			first, err := s.AppendScan(ctx, scan(42, 0))
			So(err, ShouldBeNil)
			So(first.HasFastest, ShouldBeFalse)
			So(first.Improved, ShouldBeFalse)

			second, err := s.AppendScan(ctx, scan(42, 10*time.Minute))
			So(err, ShouldBeNil)
			So(second.Improved, ShouldBeTrue)
			So(second.HasFastest, ShouldBeTrue)
			So(second.Fastest, ShouldEqual, 10*time.Minute)

			third, err := s.AppendScan(ctx, scan(42, 21*time.Minute))
			So(err, ShouldBeNil)
			So(third.Improved, ShouldBeFalse)
			So(third.Fastest, ShouldEqual, 10*time.Minute)

			late, err := s.AppendScan(ctx, scan(42, 11*time.Minute))
			So(err, ShouldBeNil)
			So(late.Improved, ShouldBeTrue)
			So(late.Fastest, ShouldEqual, time.Minute)

			d, ok, err := s.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(d, ShouldEqual, time.Minute)

			list, err := s.ListFastestLaps(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldResemble, []model.Standing{{UID: 42, FastestLap: time.Minute}})
		})

		Convey("LastNScans is newest first and bounded", func() {
			for _, d := range []time.Duration{0, 5 * time.Minute, 8 * time.Minute} {
				_, err := s.AppendScan(ctx, scan(42, d))
				So(err, ShouldBeNil)
			}
			got := collectSeq(t, s, 42, 2)
			So(len(got), ShouldEqual, 2)
			So(got[0].At.Equal(at(8*time.Minute)), ShouldBeTrue)
			So(got[1].At.Equal(at(5*time.Minute)), ShouldBeTrue)
			So(got[0].UID, ShouldEqual, model.UID(42))

			So(len(collectSeq(t, s, 42, 10)), ShouldEqual, 3)
			So(collectSeq(t, s, 42, 0), ShouldBeEmpty)
		})

		Convey("Equal timestamps put the later insertion first", func() {
			a, err := s.AppendScan(ctx, scan(5, time.Minute))
			So(err, ShouldBeNil)
			b, err := s.AppendScan(ctx, scan(5, time.Minute))
			So(err, ShouldBeNil)
			So(b.Prev, ShouldNotBeNil)
			So(b.Prev.Seq, ShouldEqual, a.Event.Seq)

			got := collectSeq(t, s, 5, 2)
			So(got[0].Seq, ShouldEqual, b.Event.Seq)
			So(got[1].Seq, ShouldEqual, a.Event.Seq)
		})

		Convey("Participants do not see each other's scans", func() {
			_, _ = s.AppendScan(ctx, scan(1, 0))
			_, _ = s.AppendScan(ctx, scan(2, time.Minute))
			res, err := s.AppendScan(ctx, scan(1, 2*time.Minute))
			So(err, ShouldBeNil)
			So(res.Prev.UID, ShouldEqual, model.UID(1))
			So(res.Prev.At.Equal(at(0)), ShouldBeTrue)
		})

		Convey("Timestamps keep microseconds", func() {
			ev := scan(9, 0)
			ev.At = ev.At.Add(1234567 * time.Nanosecond)
			_, err := s.AppendScan(ctx, ev)
			So(err, ShouldBeNil)
			got := collectSeq(t, s, 9, 1)
			So(got[0].At.Equal(at(1234*time.Microsecond)), ShouldBeTrue)
		})
	})

	Convey("Fastest lap cache", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("It is unset until the first lap", func() {
			_, ok, err := s.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("It only ever decreases", func() {
			changed, err := s.LowerFastestLap(ctx, 42, 5*time.Minute)
			So(err, ShouldBeNil)
			So(changed, ShouldBeTrue)

			changed, err = s.LowerFastestLap(ctx, 42, 6*time.Minute)
			So(err, ShouldBeNil)
			So(changed, ShouldBeFalse)

			changed, err = s.LowerFastestLap(ctx, 42, 3*time.Minute)
			So(err, ShouldBeNil)
			So(changed, ShouldBeTrue)

			d, ok, err := s.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(d, ShouldEqual, 3*time.Minute)

			list, err := s.ListFastestLaps(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldResemble, []model.Standing{{UID: 42, FastestLap: 3 * time.Minute}})
		})

		Convey("Concurrent lowering keeps the minimum", func() {
			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = s.LowerFastestLap(ctx, 8, time.Duration(i)*time.Second)
				}(i)
			}
			wg.Wait()
			d, ok, err := s.FastestLap(ctx, 8)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(d, ShouldEqual, time.Second)
		})
	})

	Convey("Gift latch rows", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("Unprovisioned participants are not found", func() {
			_, err := s.CollectEligible(ctx, 3)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			So(errors.Is(s.MarkEligible(ctx, 3, 1), model.ErrNotFound), ShouldBeTrue)
			_, err = s.GiftState(ctx, 3)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("Given a provisioned participant with gift 1 eligible", func() {
			So(s.Provision(ctx, 3), ShouldBeNil)
			So(s.MarkEligible(ctx, 3, 1), ShouldBeNil)
			So(s.MarkEligible(ctx, 3, 1), ShouldBeNil)

			Convey("Collecting flips only the eligible slot", func() {
				c, err := s.CollectEligible(ctx, 3)
				So(err, ShouldBeNil)
				So(c, ShouldResemble, gifts.Collection{gifts.JustCollected, gifts.NotEligible, gifts.NotEligible})

				st, err := s.GiftState(ctx, 3)
				So(err, ShouldBeNil)
				So(st.Collected, ShouldResemble, [3]bool{true, false, false})
				So(st.Eligible, ShouldResemble, [3]bool{true, false, false})

				Convey("A second collect changes nothing", func() {
					c, err := s.CollectEligible(ctx, 3)
					So(err, ShouldBeNil)
					So(c, ShouldResemble, gifts.Collection{gifts.AlreadyCollected, gifts.NotEligible, gifts.NotEligible})
					st2, err := s.GiftState(ctx, 3)
					So(err, ShouldBeNil)
					So(st2, ShouldResemble, st)
				})

				Convey("Provisioning again keeps the latch", func() {
					So(s.Provision(ctx, 3), ShouldBeNil)
					st2, err := s.GiftState(ctx, 3)
					So(err, ShouldBeNil)
					So(st2, ShouldResemble, st)
				})
			})

			Convey("Concurrent collectors win each slot once", func() {
				So(s.MarkEligible(ctx, 3, 3), ShouldBeNil)
				results := make([]gifts.Collection, 16)
				errs := make([]error, 16)
				var wg sync.WaitGroup
				for i := range results {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						results[i], errs[i] = s.CollectEligible(ctx, 3)
					}(i)
				}
				wg.Wait()
				wins := [3]int{}
				for i, c := range results {
					So(errs[i], ShouldBeNil)
					for slot, o := range c {
						if o == gifts.JustCollected {
							wins[slot]++
						}
					}
				}
				So(wins, ShouldResemble, [3]int{1, 0, 1})
			})
		})
	})

	Convey("Donation ledger rows", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })

		Convey("Unprovisioned participants are not found", func() {
			_, err := s.AddDonation(ctx, 7, 100)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			_, err = s.Donation(ctx, 7)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})

		Convey("Additions accumulate and report the previous amount", func() {
			So(s.Provision(ctx, 7), ShouldBeNil)
			_, err := s.AddDonation(ctx, 7, 500)
			So(err, ShouldBeNil)

			r, err := s.AddDonation(ctx, 7, 1500)
			So(err, ShouldBeNil)
			So(r, ShouldResemble, donations.Receipt{UID: 7, Previous: 500, Delta: 1500, New: 2000})

			total, err := s.Donation(ctx, 7)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, donations.Cents(2000))

			So(s.Provision(ctx, 7), ShouldBeNil)
			total, err = s.Donation(ctx, 7)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, donations.Cents(2000))
		})

		Convey("Concurrent additions are not lost", func() {
			So(s.Provision(ctx, 11), ShouldBeNil)
			const n = 50
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = s.AddDonation(ctx, 11, 1)
				}(i)
			}
			wg.Wait()
			for _, err := range errs {
				So(err, ShouldBeNil)
			}
			total, err := s.Donation(ctx, 11)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, donations.Cents(n))
		})
	})

	Convey("Donation totals near the int64 limit", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })
		So(s.Provision(ctx, 13), ShouldBeNil)
		big := donations.Cents(math.MaxInt64/2 - 1)

		Convey("An addition that would overflow is rejected and changes nothing", func() {
			for range 2 {
				_, err := s.AddDonation(ctx, 13, big)
				So(err, ShouldBeNil)
			}
			_, err := s.AddDonation(ctx, 13, big)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)

			total, err := s.Donation(ctx, 13)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, 2*big)

			r, err := s.AddDonation(ctx, 13, 3)
			So(err, ShouldBeNil)
			So(r.New, ShouldEqual, donations.Cents(math.MaxInt64))

			_, err = s.AddDonation(ctx, 13, 1)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)
		})
	})

	Convey("Health", t, func() {
		s := open(t)
		Reset(func() { _ = s.Close() })
		So(s.Ping(ctx), ShouldBeNil)
	})
}
