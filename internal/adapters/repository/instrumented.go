package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

const defaultStoreTimeout = 5 * time.Second

// InstrumentOption configures an Instrumented store.
type InstrumentOption func(*Instrumented)

// WithTimeout bounds every call made through the store.
func WithTimeout(d time.Duration) InstrumentOption {
	return func(s *Instrumented) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStoreLogger sets the logger used for failed calls.
func WithStoreLogger(l logger.Logger) InstrumentOption {
	return func(s *Instrumented) {
		if l != nil {
			s.log = l
		}
	}
}

// Instrumented wraps a Store with a per-call deadline, latency metrics and
// error classification. Deadline expiry and cancellation surface as
// model.ErrStore.
type Instrumented struct {
	next    Store
	timeout time.Duration
	log     logger.Logger
}

var _ Store = (*Instrumented)(nil)

// Instrument wraps next.
func Instrument(next Store, opts ...InstrumentOption) *Instrumented {
	s := &Instrumented{next: next, timeout: defaultStoreTimeout, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func call[T any](s *Instrumented, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	if err != nil && !errors.Is(err, model.ErrStore) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = fmt.Errorf("%s: %w: %w", op, model.ErrStore, err)
	}
	failed := errors.Is(err, model.ErrStore)
	metrics.RecordStoreOperation(op, float64(time.Since(start).Microseconds())/1000, failed)
	if failed {
		s.log.Warn(ctx, "store call failed", logger.String("op", op), logger.Error(err))
	}
	return v, err
}

func (s *Instrumented) AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error) {
	return call(s, ctx, "append_scan", func(ctx context.Context) (model.AppendResult, error) {
		return s.next.AppendScan(ctx, ev)
	})
}

func (s *Instrumented) LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error) {
	return call(s, ctx, "last_n_scans", func(ctx context.Context) (iter.Seq[model.ScanEvent], error) {
		return s.next.LastNScans(ctx, uid, n)
	})
}

func (s *Instrumented) RoundCount(ctx context.Context, uid model.UID) (int, error) {
	return call(s, ctx, "round_count", func(ctx context.Context) (int, error) {
		return s.next.RoundCount(ctx, uid)
	})
}

type fastest struct {
	d  time.Duration
	ok bool
}

func (s *Instrumented) FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error) {
	f, err := call(s, ctx, "fastest_lap", func(ctx context.Context) (fastest, error) {
		d, ok, err := s.next.FastestLap(ctx, uid)
		return fastest{d, ok}, err
	})
	return f.d, f.ok, err
}

func (s *Instrumented) LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error) {
	return call(s, ctx, "lower_fastest_lap", func(ctx context.Context) (bool, error) {
		return s.next.LowerFastestLap(ctx, uid, lap)
	})
}

func (s *Instrumented) MarkEligible(ctx context.Context, uid model.UID, slot int) error {
	_, err := call(s, ctx, "mark_eligible", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.MarkEligible(ctx, uid, slot)
	})
	return err
}

func (s *Instrumented) CollectEligible(ctx context.Context, uid model.UID) (gifts.Collection, error) {
	return call(s, ctx, "collect_gifts", func(ctx context.Context) (gifts.Collection, error) {
		return s.next.CollectEligible(ctx, uid)
	})
}

func (s *Instrumented) GiftState(ctx context.Context, uid model.UID) (gifts.State, error) {
	return call(s, ctx, "gift_state", func(ctx context.Context) (gifts.State, error) {
		return s.next.GiftState(ctx, uid)
	})
}

func (s *Instrumented) AddDonation(ctx context.Context, uid model.UID, delta donations.Cents) (donations.Receipt, error) {
	return call(s, ctx, "add_donation", func(ctx context.Context) (donations.Receipt, error) {
		return s.next.AddDonation(ctx, uid, delta)
	})
}

func (s *Instrumented) Donation(ctx context.Context, uid model.UID) (donations.Cents, error) {
	return call(s, ctx, "donation", func(ctx context.Context) (donations.Cents, error) {
		return s.next.Donation(ctx, uid)
	})
}

func (s *Instrumented) Provision(ctx context.Context, uid model.UID) error {
	_, err := call(s, ctx, "provision", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Provision(ctx, uid)
	})
	return err
}

func (s *Instrumented) ListFastestLaps(ctx context.Context) ([]model.Standing, error) {
	return call(s, ctx, "list_fastest_laps", func(ctx context.Context) ([]model.Standing, error) {
		return s.next.ListFastestLaps(ctx)
	})
}

func (s *Instrumented) Ping(ctx context.Context) error {
	_, err := call(s, ctx, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Ping(ctx)
	})
	return err
}

func (s *Instrumented) Close() error { return s.next.Close() }
