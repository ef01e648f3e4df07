// Package model contains domain models passed between layers.
package model

import (
	"cmp"
	"fmt"
	"time"
)

// UID identifies a participant. It is compared exactly.
type UID int64

// ScanEvent is one pass of a participant through the checkpoint.
// Events are immutable once appended.
type ScanEvent struct {
	ID  string    // idempotency key, unique per scan
	UID UID       // participant
	Seq int64     // store-assigned insertion sequence
	At  time.Time // server-assigned timestamp, microsecond precision
}

// Compare orders events by timestamp, then by insertion sequence.
func (e ScanEvent) Compare(o ScanEvent) int {
	if c := e.At.Compare(o.At); c != 0 {
		return c
	}
	return cmp.Compare(e.Seq, o.Seq)
}

// AppendResult is what a store reports after appending a scan: the event
// itself, its neighbours in timestamp order, if any, and the participant's
// fastest lap as left by the same atomic step.
type AppendResult struct {
	Event ScanEvent
	Prev  *ScanEvent
	Next  *ScanEvent

	Fastest    time.Duration
	HasFastest bool
	Improved   bool // the append lowered Fastest
}

// Laps returns the lap durations bounded by the appended event.
func (r AppendResult) Laps() []time.Duration {
	laps := make([]time.Duration, 0, 2)
	if r.Prev != nil {
		laps = append(laps, r.Event.At.Sub(r.Prev.At))
	}
	if r.Next != nil {
		laps = append(laps, r.Next.At.Sub(r.Event.At))
	}
	return laps
}

// BestLap is the shortest lap bounded by the appended event. ok is false
// when the event has no neighbour. A negative lap means the neighbours are
// out of order and is ErrInvalidState.
func (r AppendResult) BestLap() (best time.Duration, ok bool, err error) {
	for _, l := range r.Laps() {
		if !ok || l < best {
			best, ok = l, true
		}
	}
	if ok && best < 0 {
		return 0, false, fmt.Errorf("scan %s of %d bounds negative lap %s: %w", r.Event.ID, r.Event.UID, best, ErrInvalidState)
	}
	return best, ok, nil
}

// Precision is the timestamp resolution every store keeps.
const Precision = time.Microsecond

// Normalize truncates t to Precision in UTC.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// Standing is a participant's position by fastest lap.
type Standing struct {
	Rank       int
	UID        UID
	FastestLap time.Duration
}

// ScanRequest is a scan accepted at the edge and waiting to be appended.
// ReceivedAt becomes the event timestamp so queueing delay does not
// stretch laps.
type ScanRequest struct {
	ID         string
	UID        UID
	ReceivedAt time.Time
}

// Event converts the request into the event a store appends.
func (r ScanRequest) Event() ScanEvent {
	return ScanEvent{ID: r.ID, UID: r.UID, At: Normalize(r.ReceivedAt)}
}

// ScanAck reports what one recorded scan changed.
type ScanAck struct {
	Event ScanEvent
	// Lap is the lap this scan closed, set when it is the newest scan.
	Lap    time.Duration
	HasLap bool
	// Fastest is the participant's fastest lap after this scan; Improved
	// reports whether the scan lowered it.
	Fastest  time.Duration
	Improved bool
}
