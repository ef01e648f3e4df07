// Package laps derives round counts and lap durations from the scan log and
// keeps the per-participant fastest lap.
package laps

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

// ScanLog is the read side of the event store used for derivations.
type ScanLog interface {
	RoundCount(ctx context.Context, uid model.UID) (int, error)
	LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error)
}

// FastestLapStore holds the cached fastest lap per participant.
type FastestLapStore interface {
	// FastestLap returns the cached value and whether one was ever set.
	FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error)
	// LowerFastestLap sets fastest = min(fastest, lap) in one atomic step and
	// reports whether the stored value changed.
	LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error)
}

// State is the progress of a participant's scan log.
type State int

const (
	NoScans State = iota
	OneScan
	TwoOrMoreScans
)

func (s State) String() string {
	switch s {
	case NoScans:
		return "no_scans"
	case OneScan:
		return "one_scan"
	default:
		return "two_or_more_scans"
	}
}

// Metrics is the derived view of a participant shown at the checkpoint.
type Metrics struct {
	UID        model.UID
	RoundCount int
	LastLap    time.Duration
	HasLastLap bool
	FastestLap time.Duration
	HasFastest bool
}

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// Aggregator is the single place lap semantics are computed.
type Aggregator struct {
	scans   ScanLog
	fastest FastestLapStore
	log     logger.Logger
}

// New creates an Aggregator over the given stores.
func New(scans ScanLog, fastest FastestLapStore, opts ...Option) *Aggregator {
	a := &Aggregator{scans: scans, fastest: fastest, log: logger.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RoundCount returns the number of scans; zero when there are none.
func (a *Aggregator) RoundCount(ctx context.Context, uid model.UID) (int, error) {
	n, err := a.scans.RoundCount(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("round count %d: %w", uid, err)
	}
	return n, nil
}

// State reports how far the participant's scan log has progressed.
func (a *Aggregator) State(ctx context.Context, uid model.UID) (State, error) {
	n, err := a.RoundCount(ctx, uid)
	if err != nil {
		return NoScans, err
	}
	switch {
	case n == 0:
		return NoScans, nil
	case n == 1:
		return OneScan, nil
	default:
		return TwoOrMoreScans, nil
	}
}

// LastLapDuration is the newest scan minus the second newest.
func (a *Aggregator) LastLapDuration(ctx context.Context, uid model.UID) (time.Duration, error) {
	seq, err := a.scans.LastNScans(ctx, uid, 2)
	if err != nil {
		return 0, fmt.Errorf("last lap %d: %w", uid, err)
	}
	var recent []model.ScanEvent
	for ev := range seq {
		recent = append(recent, ev)
	}
	if len(recent) < 2 {
		return 0, fmt.Errorf("last lap %d: %w", uid, model.ErrInsufficientData)
	}
	lap := recent[0].At.Sub(recent[1].At)
	if lap < 0 {
		return 0, fmt.Errorf("last lap %d: newest scan precedes previous by %s: %w", uid, -lap, model.ErrInvalidState)
	}
	return lap, nil
}

// FastestLap returns the cached fastest lap and whether one exists.
func (a *Aggregator) FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error) {
	d, ok, err := a.fastest.FastestLap(ctx, uid)
	if err != nil {
		return 0, false, fmt.Errorf("fastest lap %d: %w", uid, err)
	}
	return d, ok, nil
}

// UpdateFastestLapOnScan sets fastest = min(fastest, lap) for uid in one
// atomic store step and reports whether the cached value changed.
func (a *Aggregator) UpdateFastestLapOnScan(ctx context.Context, uid model.UID, lap time.Duration) (bool, error) {
	if lap < 0 {
		return false, fmt.Errorf("fastest lap %d: negative lap %s: %w", uid, lap, model.ErrInvalidState)
	}
	changed, err := a.fastest.LowerFastestLap(ctx, uid, lap)
	if err != nil {
		return false, fmt.Errorf("fastest lap %d: %w", uid, err)
	}
	if changed {
		a.improved(ctx, uid, lap)
	}
	return changed, nil
}

// ObserveAppend accounts for a scan whose fastest lap the store already
// lowered inside the append. A scan landing between two existing scans
// splits a lap, so both sides were candidates. Returns the cached fastest
// lap after the append and whether the append lowered it.
func (a *Aggregator) ObserveAppend(ctx context.Context, res model.AppendResult) (time.Duration, bool, error) {
	if _, _, err := res.BestLap(); err != nil {
		return 0, false, fmt.Errorf("fastest lap %d: %w", res.Event.UID, err)
	}
	if res.Next == nil && res.Prev != nil {
		metrics.RecordLap(res.Event.At.Sub(res.Prev.At).Seconds())
	}
	if res.Improved {
		a.improved(ctx, res.Event.UID, res.Fastest)
	}
	return res.Fastest, res.Improved, nil
}

func (a *Aggregator) improved(ctx context.Context, uid model.UID, lap time.Duration) {
	metrics.RecordFastestLapImprovement()
	a.log.Debug(ctx, "fastest lap lowered", logger.Int64("uid", int64(uid)), logger.Duration("lap", lap))
}

// Snapshot reads round count, last lap and fastest lap together.
func (a *Aggregator) Snapshot(ctx context.Context, uid model.UID) (Metrics, error) {
	m := Metrics{UID: uid}
	var err error
	if m.RoundCount, err = a.RoundCount(ctx, uid); err != nil {
		return Metrics{}, err
	}
	if m.RoundCount >= 2 {
		lap, err := a.LastLapDuration(ctx, uid)
		switch {
		case err == nil:
			m.LastLap, m.HasLastLap = lap, true
		case isInsufficient(err):
		default:
			return Metrics{}, err
		}
	}
	if m.FastestLap, m.HasFastest, err = a.FastestLap(ctx, uid); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

func isInsufficient(err error) bool {
	return errors.Is(err, model.ErrInsufficientData)
}
