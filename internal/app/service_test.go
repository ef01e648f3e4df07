package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/adapters/repository/memory"
	service "github.com/okian/laufevent/internal/app"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// stepClock returns the queued instants in order and then keeps the last.
type stepClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *stepClock) set(ts ...time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = ts
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

var tenAM = time.Date(2025, 5, 17, 10, 0, 0, 0, time.UTC)

func TestService_Laps(t *testing.T) {
	Convey("Given a service over a memory store", t, func() {
		ctx := context.Background()
		clock := &stepClock{}
		svc := service.New(memory.New(), service.WithClock(clock.now))

		Convey("Participant 42 scanned at 10:00, 10:05 and 10:08", func() {
			clock.set(tenAM, tenAM.Add(5*time.Minute), tenAM.Add(8*time.Minute))
			var acks []model.ScanAck
			for i := 0; i < 3; i++ {
				ack, err := svc.RecordScan(ctx, 42)
				So(err, ShouldBeNil)
				acks = append(acks, ack)
			}

			Convey("has three rounds and a 00:03:00 last and fastest lap", func() {
				n, err := svc.RoundCount(ctx, 42)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)

				last, err := svc.LastLapDuration(ctx, 42)
				So(err, ShouldBeNil)
				So(laps.Format(last), ShouldEqual, "00:03:00")

				fastest, ok, err := svc.FastestLap(ctx, 42)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(laps.Format(fastest), ShouldEqual, "00:03:00")
			})

			Convey("reports each closed lap in the acks", func() {
				So(acks[0].HasLap, ShouldBeFalse)
				So(acks[1].Lap, ShouldEqual, 5*time.Minute)
				So(acks[1].Improved, ShouldBeTrue)
				So(acks[2].Lap, ShouldEqual, 3*time.Minute)
				So(acks[2].Improved, ShouldBeTrue)
				So(acks[0].Event.ID, ShouldNotEqual, acks[1].Event.ID)
			})

			Convey("feeds the standings", func() {
				st, err := svc.Standing(ctx, 42)
				So(err, ShouldBeNil)
				So(st, ShouldResemble, model.Standing{Rank: 1, UID: 42, FastestLap: 3 * time.Minute})

				top, err := svc.Standings(ctx, 10)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 1)
			})

			Convey("shows all three in the checkpoint info", func() {
				m, err := svc.CheckpointInfo(ctx, 42)
				So(err, ShouldBeNil)
				So(m.RoundCount, ShouldEqual, 3)
				So(m.LastLap, ShouldEqual, 3*time.Minute)
				So(m.FastestLap, ShouldEqual, 3*time.Minute)
			})
		})

		Convey("An unknown participant has no laps", func() {
			n, err := svc.RoundCount(ctx, 5)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			_, err = svc.LastLapDuration(ctx, 5)
			So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)
			_, err = svc.Standing(ctx, 5)
			So(errors.Is(err, repository.ErrNotRanked), ShouldBeTrue)
		})

		Convey("Standings limits are bounded", func() {
			_, err := svc.Standings(ctx, 0)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
			_, err = svc.Standings(ctx, 1000)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
		})
	})
}

func TestService_Ledgers(t *testing.T) {
	Convey("Given a service with provisioned participants", t, func() {
		ctx := context.Background()
		svc := service.New(memory.New())
		So(svc.Provision(ctx, 3), ShouldBeNil)
		So(svc.Provision(ctx, 7), ShouldBeNil)

		Convey("Participant 7 donating 5.0 then 15.0 has 20.0", func() {
			_, err := svc.AddDonationAmount(ctx, 7, 5.0)
			So(err, ShouldBeNil)
			r, err := svc.AddDonationAmount(ctx, 7, 15.0)
			So(err, ShouldBeNil)
			So(r, ShouldResemble, donations.Receipt{UID: 7, Previous: 500, Delta: 1500, New: 2000})

			total, err := svc.DonationTotal(ctx, 7)
			So(err, ShouldBeNil)
			So(total, ShouldEqual, donations.Cents(2000))

			_, err = svc.AddDonationAmount(ctx, 7, 0)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)
		})

		Convey("Participant 3 with gift 1 eligible collects it once", func() {
			So(svc.MarkEligible(ctx, 3, 1), ShouldBeNil)

			c, err := svc.CollectEligibleGifts(ctx, 3)
			So(err, ShouldBeNil)
			So(c, ShouldResemble, gifts.Collection{gifts.JustCollected, gifts.NotEligible, gifts.NotEligible})

			c, err = svc.CollectEligibleGifts(ctx, 3)
			So(err, ShouldBeNil)
			So(c, ShouldResemble, gifts.Collection{gifts.AlreadyCollected, gifts.NotEligible, gifts.NotEligible})

			st, err := svc.GiftState(ctx, 3)
			So(err, ShouldBeNil)
			So(st.Collected, ShouldResemble, [3]bool{true, false, false})
		})

		Convey("Unprovisioned participants are not found", func() {
			_, err := svc.CollectEligibleGifts(ctx, 99)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			_, err = svc.AddDonation(ctx, 99, 100)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestService_Tracing(t *testing.T) {
	Convey("Given a service with a recording tracer", t, func() {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		svc := service.New(memory.New(), service.WithTracerProvider(tp))
		ctx := context.Background()

		Convey("Each operation ends one span, failures are marked", func() {
			_, err := svc.RecordScan(ctx, 1)
			So(err, ShouldBeNil)
			_, err = svc.LastLapDuration(ctx, 1)
			So(err, ShouldNotBeNil)

			spans := sr.Ended()
			So(len(spans), ShouldEqual, 2)
			So(spans[0].Name(), ShouldEqual, "service.RecordScan")
			So(spans[1].Name(), ShouldEqual, "service.LastLapDuration")
			So(spans[1].Status().Description, ShouldContainSubstring, "insufficient data")
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a store that already holds fastest laps", t, func() {
		ctx := context.Background()
		store := memory.New()
		for uid, lap := range map[model.UID]time.Duration{1: 4 * time.Minute, 2: 3 * time.Minute} {
			_, err := store.LowerFastestLap(ctx, uid, lap)
			So(err, ShouldBeNil)
		}
		svc := service.New(store, service.WithWorkerCount(2))

		Convey("Start rebuilds the standings", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			top, err := svc.Standings(ctx, 5)
			So(err, ShouldBeNil)
			So(top, ShouldResemble, []model.Standing{
				{Rank: 1, UID: 2, FastestLap: 3 * time.Minute},
				{Rank: 2, UID: 1, FastestLap: 4 * time.Minute},
			})
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["ranked"], ShouldEqual, 2)

			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
			So(svc.Stop(ctx), ShouldBeNil)
		})

		Convey("Enqueue refuses scans before Start", func() {
			So(svc.Enqueue(ctx, "early", 1), ShouldBeFalse)
		})
	})
}

func TestService_Dedupe(t *testing.T) {
	Convey("Given a service", t, func() {
		ctx := context.Background()
		svc := service.New(memory.New(), service.WithDedupeSize(10))

		Convey("A scan id is accepted once until unrecorded", func() {
			So(svc.SeenAndRecord(ctx, "scan-a"), ShouldBeFalse)
			So(svc.SeenAndRecord(ctx, "scan-a"), ShouldBeTrue)
			So(svc.Size(), ShouldEqual, int64(1))
			svc.Unrecord(ctx, "scan-a")
			So(svc.SeenAndRecord(ctx, "scan-a"), ShouldBeFalse)
		})

		Convey("Generated ids are unique", func() {
			seen := map[string]bool{}
			for i := 0; i < 20; i++ {
				ack, err := svc.RecordScan(ctx, model.UID(i%3))
				So(err, ShouldBeNil)
				So(seen[ack.Event.ID], ShouldBeFalse)
				seen[ack.Event.ID] = true
			}
			So(len(seen), ShouldEqual, 20)
		})
	})
}

// lowerFails refuses every standalone fastest-lap write.
type lowerFails struct {
	*memory.Store
}

func (lowerFails) LowerFastestLap(context.Context, model.UID, time.Duration) (bool, error) {
	return false, fmt.Errorf("lower_fastest_lap (timeout): %w", model.ErrStore)
}

// appendFailsOnce fails the nth append before it reaches the log.
type appendFailsOnce struct {
	*memory.Store
	mu    sync.Mutex
	calls int
	n     int
}

func (s *appendFailsOnce) AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.n
	s.mu.Unlock()
	if fail {
		return model.AppendResult{}, fmt.Errorf("append_scan (timeout): %w", model.ErrStore)
	}
	return s.Store.AppendScan(ctx, ev)
}

func TestService_FastestLapWithAppend(t *testing.T) {
	Convey("Given scans at 10:00, 10:10, 10:11 and 10:21", t, func() {
		ctx := context.Background()
		clock := &stepClock{}
		clock.set(tenAM, tenAM.Add(10*time.Minute), tenAM.Add(11*time.Minute), tenAM.Add(21*time.Minute))
		var ids int
		nextID := func() string {
			ids++
			return fmt.Sprintf("scan-%d", ids)
		}

		Convey("The fastest lap is settled by the append even when standalone writes fail", func() {
			svc := service.New(lowerFails{memory.New()}, service.WithClock(clock.now), service.WithIDGenerator(nextID))
			var acks []model.ScanAck
			for range 4 {
				ack, err := svc.RecordScan(ctx, 42)
				So(err, ShouldBeNil)
				acks = append(acks, ack)
			}
			So(acks[0].Event.ID, ShouldEqual, "scan-1")
			So(acks[3].Event.ID, ShouldEqual, "scan-4")
			So(acks[2].Improved, ShouldBeTrue)
			So(acks[2].Fastest, ShouldEqual, time.Minute)
			So(acks[3].Improved, ShouldBeFalse)

			fastest, ok, err := svc.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(fastest, ShouldEqual, time.Minute)

			st, err := svc.Standing(ctx, 42)
			So(err, ShouldBeNil)
			So(st.FastestLap, ShouldEqual, time.Minute)
		})

		Convey("A failed append leaves neither a scan nor a lap behind, and a retry lands both", func() {
			clock.set(tenAM, tenAM.Add(10*time.Minute), tenAM.Add(11*time.Minute), tenAM.Add(12*time.Minute))
			store := &appendFailsOnce{Store: memory.New(), n: 3}
			svc := service.New(store, service.WithClock(clock.now), service.WithIDGenerator(nextID))
			for range 2 {
				_, err := svc.RecordScan(ctx, 42)
				So(err, ShouldBeNil)
			}
			_, err := svc.RecordScan(ctx, 42)
			So(errors.Is(err, model.ErrStore), ShouldBeTrue)

			n, err := svc.RoundCount(ctx, 42)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			fastest, _, err := svc.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(fastest, ShouldEqual, 10*time.Minute)

			ack, err := svc.RecordScan(ctx, 42)
			So(err, ShouldBeNil)
			So(ack.Event.At.Equal(tenAM.Add(12*time.Minute)), ShouldBeTrue)
			So(ack.Improved, ShouldBeTrue)
			fastest, _, err = svc.FastestLap(ctx, 42)
			So(err, ShouldBeNil)
			So(fastest, ShouldEqual, 2*time.Minute)
			n, err = svc.RoundCount(ctx, 42)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
		})
	})
}
