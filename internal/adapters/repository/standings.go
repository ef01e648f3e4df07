package repository

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/metrics"
)

// Standings ranks participants by fastest lap with an order-statistic treap.
//
// Ordering: lap ASC, then uid ASC. Participants with equal laps share a
// rank (1, 1, 3). Rank and insert are O(log n) expected.
type Standings struct {
	mu    sync.RWMutex
	root  *node
	byUID map[model.UID]time.Duration
	rng   *rand.Rand
}

type node struct {
	uid   model.UID
	lap   time.Duration
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less reports whether (aLap, aUID) sorts before (bLap, bUID).
func less(aLap time.Duration, aUID model.UID, bLap time.Duration, bUID model.UID) bool {
	if aLap != bLap {
		return aLap < bLap
	}
	return aUID < bUID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, nn *node) *node {
	if n == nil {
		return nn
	}
	if less(nn.lap, nn.uid, n.lap, n.uid) {
		n.left = insert(n.left, nn)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, nn)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func remove(n *node, uid model.UID, lap time.Duration) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.uid == uid && n.lap == lap:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = remove(n.right, uid, lap)
		} else {
			n = rotateLeft(n)
			n.left = remove(n.left, uid, lap)
		}
	case less(lap, uid, n.lap, n.uid):
		n.left = remove(n.left, uid, lap)
	default:
		n.right = remove(n.right, uid, lap)
	}
	fix(n)
	return n
}

// countFaster counts nodes with a lap strictly below lap.
func countFaster(n *node, lap time.Duration) int {
	c := 0
	for n != nil {
		if n.lap < lap {
			c += nsize(n.left) + 1
			n = n.right
		} else {
			n = n.left
		}
	}
	return c
}

// collect appends up to limit nodes in order.
func collect(n *node, limit int, out *[]model.Standing) {
	if n == nil || len(*out) >= limit {
		return
	}
	collect(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, model.Standing{UID: n.uid, FastestLap: n.lap})
	}
	collect(n.right, limit, out)
}

// NewStandings creates empty standings.
func NewStandings(opts ...Option) *Standings {
	s := &Standings{
		byUID: make(map[model.UID]time.Duration),
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update records lap for uid if it is faster than the known one.
// Returns true when the standings changed.
func (s *Standings) Update(uid model.UID, lap time.Duration) bool {
	s.mu.Lock()
	changed := s.updateLocked(uid, lap)
	n := len(s.byUID)
	s.mu.Unlock()
	if changed {
		metrics.UpdateStandingsSize(n)
	}
	return changed
}

func (s *Standings) updateLocked(uid model.UID, lap time.Duration) bool {
	if old, ok := s.byUID[uid]; ok {
		if lap >= old {
			return false
		}
		s.root = remove(s.root, uid, old)
	}
	s.byUID[uid] = lap
	s.root = insert(s.root, &node{uid: uid, lap: lap, prio: s.rng.Uint64(), size: 1})
	return true
}

// Load replaces the standings with entries, keeping the fastest lap per uid.
func (s *Standings) Load(entries []model.Standing) {
	s.mu.Lock()
	s.root = nil
	s.byUID = make(map[model.UID]time.Duration, len(entries))
	for _, e := range entries {
		s.updateLocked(e.UID, e.FastestLap)
	}
	n := len(s.byUID)
	s.mu.Unlock()
	metrics.UpdateStandingsSize(n)
}

// Rank returns uid's standing. Unknown uids yield ErrNotRanked.
func (s *Standings) Rank(uid model.UID) (model.Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lap, ok := s.byUID[uid]
	if !ok {
		return model.Standing{}, ErrNotRanked
	}
	return model.Standing{Rank: countFaster(s.root, lap) + 1, UID: uid, FastestLap: lap}, nil
}

// Top returns the n fastest participants.
func (s *Standings) Top(n int) ([]model.Standing, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Standing, 0, min(n, len(s.byUID)))
	collect(s.root, n, &out)
	assignRanks(out)
	return out, nil
}

// Count returns the number of ranked participants.
func (s *Standings) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUID)
}

// assignRanks gives equal laps the same rank and skips positions after ties.
// entries must be a prefix of the full ordering.
func assignRanks(entries []model.Standing) {
	for i := range entries {
		if i > 0 && entries[i].FastestLap == entries[i-1].FastestLap {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}
