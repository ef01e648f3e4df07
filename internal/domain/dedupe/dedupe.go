// Package dedupe tracks recently seen scan ids so a retried submission is
// not counted as a second round.
package dedupe

import (
	"context"
	"sync"
)

// Deduper records seen scan ids.
type Deduper interface {
	// SeenAndRecord reports whether id was already seen and records it if not.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a submission that was never processed, for
	// example one rejected by a full queue, can be retried.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

type slot struct {
	id  string
	gen uint64
}

// ringDeduper keeps at most maxSize ids and evicts the oldest first.
// A maxSize of zero or less keeps every id.
type ringDeduper struct {
	mu      sync.Mutex
	seen    map[string]uint64
	ring    []slot
	next    int
	gen     uint64
	maxSize int
}

// New creates an in-memory deduper.
func New(opts ...Option) Deduper {
	d := &ringDeduper{maxSize: 50_000}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]uint64)
	if d.maxSize > 0 {
		d.ring = make([]slot, d.maxSize)
	}
	return d
}

func (d *ringDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.gen++
	d.seen[id] = d.gen
	if d.ring == nil {
		return false
	}
	old := d.ring[d.next]
	// The slot may hold an id that was unrecorded and recorded again since.
	if old.gen != 0 && d.seen[old.id] == old.gen {
		delete(d.seen, old.id)
	}
	d.ring[d.next] = slot{id: id, gen: d.gen}
	d.next = (d.next + 1) % len(d.ring)
	return false
}

func (d *ringDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

func (d *ringDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
