// Package repository defines the storage contracts of the lap tracking core
// and the in-memory fastest-lap standings.
package repository

import (
	"context"
	"iter"
	"time"

	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
)

// EventStore is the append-only per-participant scan log.
type EventStore interface {
	// AppendScan stores ev, assigning its Seq, and reports the neighbouring
	// events in timestamp order as seen inside the same atomic step.
	AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error)

	// LastNScans returns up to n events, newest first. Ties on timestamp
	// put the later insertion first. The sequence may be iterated again.
	LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error)

	// RoundCount counts the participant's scans.
	RoundCount(ctx context.Context, uid model.UID) (int, error)
}

// Store is a complete storage backend.
type Store interface {
	EventStore
	gifts.Store
	donations.Store

	FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error)
	LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error)

	// Provision creates the gift and donation rows for uid. Repeating it
	// leaves existing rows untouched.
	Provision(ctx context.Context, uid model.UID) error

	// ListFastestLaps returns every participant with a cached fastest lap.
	ListFastestLaps(ctx context.Context) ([]model.Standing, error)

	Ping(ctx context.Context) error
	Close() error
}
