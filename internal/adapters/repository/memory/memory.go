// Package memory is an in-process storage backend. Each participant owns a
// row guarded by its own mutex; no lock is shared across participants.
package memory

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
)

type row struct {
	mu         sync.Mutex
	scans      []model.ScanEvent // ascending by (At, Seq)
	fastest    time.Duration
	hasFastest bool

	provisioned bool
	gifts       gifts.State
	donation    donations.Cents
}

// Store keeps every participant row in memory.
type Store struct {
	rows sync.Map // model.UID -> *row
	seq  atomic.Int64
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{}
}

func (s *Store) row(uid model.UID) *row {
	if r, ok := s.rows.Load(uid); ok {
		return r.(*row)
	}
	r, _ := s.rows.LoadOrStore(uid, &row{})
	return r.(*row)
}

func (s *Store) existing(uid model.UID) (*row, bool) {
	r, ok := s.rows.Load(uid)
	if !ok {
		return nil, false
	}
	return r.(*row), true
}

func (s *Store) AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return model.AppendResult{}, err
	}
	r := s.row(ev.UID)
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Seq = s.seq.Add(1)
	ev.At = model.Normalize(ev.At)
	// Seq is the largest so far, so ev sorts after every equal timestamp.
	i := sort.Search(len(r.scans), func(i int) bool { return r.scans[i].Compare(ev) > 0 })

	res := model.AppendResult{Event: ev}
	if i > 0 {
		prev := r.scans[i-1]
		res.Prev = &prev
	}
	if i < len(r.scans) {
		next := r.scans[i]
		res.Next = &next
	}
	best, ok, err := res.BestLap()
	if err != nil {
		return model.AppendResult{}, err
	}
	r.scans = slices.Insert(r.scans, i, ev)
	if ok {
		res.Improved = r.lower(best)
	}
	res.Fastest, res.HasFastest = r.fastest, r.hasFastest
	return res, nil
}

// lower sets fastest = min(fastest, lap). The caller holds r.mu.
func (r *row) lower(lap time.Duration) bool {
	lap = lap.Truncate(model.Precision)
	if r.hasFastest && lap >= r.fastest {
		return false
	}
	r.fastest, r.hasFastest = lap, true
	return true
}

func (s *Store) LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.ScanEvent
	if r, ok := s.existing(uid); ok && n > 0 {
		r.mu.Lock()
		k := min(n, len(r.scans))
		out = make([]model.ScanEvent, 0, k)
		for i := len(r.scans) - 1; i >= len(r.scans)-k; i-- {
			out = append(out, r.scans[i])
		}
		r.mu.Unlock()
	}
	return slices.Values(out), nil
}

func (s *Store) RoundCount(ctx context.Context, uid model.UID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, ok := s.existing(uid)
	if !ok {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans), nil
}

func (s *Store) FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r, ok := s.existing(uid)
	if !ok {
		return 0, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fastest, r.hasFastest, nil
}

func (s *Store) LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r := s.row(uid)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lower(lap), nil
}

// provisioned returns the locked row for uid or ErrNotFound. The caller unlocks.
func (s *Store) provisioned(uid model.UID) (*row, error) {
	r, ok := s.existing(uid)
	if ok {
		r.mu.Lock()
		if r.provisioned {
			return r, nil
		}
		r.mu.Unlock()
	}
	return nil, fmt.Errorf("participant %d: %w", uid, model.ErrNotFound)
}

func (s *Store) MarkEligible(ctx context.Context, uid model.UID, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := gifts.ValidSlot(slot); err != nil {
		return err
	}
	r, err := s.provisioned(uid)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	r.gifts.Eligible[slot-1] = true
	return nil
}

func (s *Store) CollectEligible(ctx context.Context, uid model.UID) (gifts.Collection, error) {
	if err := ctx.Err(); err != nil {
		return gifts.Collection{}, err
	}
	r, err := s.provisioned(uid)
	if err != nil {
		return gifts.Collection{}, err
	}
	defer r.mu.Unlock()
	return gifts.Collect(&r.gifts), nil
}

func (s *Store) GiftState(ctx context.Context, uid model.UID) (gifts.State, error) {
	if err := ctx.Err(); err != nil {
		return gifts.State{}, err
	}
	r, err := s.provisioned(uid)
	if err != nil {
		return gifts.State{}, err
	}
	defer r.mu.Unlock()
	return r.gifts, nil
}

func (s *Store) AddDonation(ctx context.Context, uid model.UID, delta donations.Cents) (donations.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return donations.Receipt{}, err
	}
	r, err := s.provisioned(uid)
	if err != nil {
		return donations.Receipt{}, err
	}
	defer r.mu.Unlock()
	if delta > math.MaxInt64-r.donation {
		return donations.Receipt{}, fmt.Errorf("donations for %d: adding %s to %s overflows: %w", uid, delta, r.donation, model.ErrInvalidArgument)
	}
	prev := r.donation
	r.donation += delta
	return donations.Receipt{UID: uid, Previous: prev, Delta: delta, New: r.donation}, nil
}

func (s *Store) Donation(ctx context.Context, uid model.UID) (donations.Cents, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, err := s.provisioned(uid)
	if err != nil {
		return 0, err
	}
	defer r.mu.Unlock()
	return r.donation, nil
}

func (s *Store) Provision(ctx context.Context, uid model.UID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.row(uid)
	r.mu.Lock()
	r.provisioned = true
	r.mu.Unlock()
	return nil
}

func (s *Store) ListFastestLaps(ctx context.Context) ([]model.Standing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Standing
	s.rows.Range(func(k, v any) bool {
		r := v.(*row)
		r.mu.Lock()
		if r.hasFastest {
			out = append(out, model.Standing{UID: k.(model.UID), FastestLap: r.fastest})
		}
		r.mu.Unlock()
		return true
	})
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
