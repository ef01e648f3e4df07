// Package gifts implements the three-slot one-way gift latch.
package gifts

import (
	"context"
	"fmt"

	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

// Slots is the number of gift slots per participant.
const Slots = 3

// Outcome is the result of a collect request for one slot.
type Outcome int

const (
	NotEligible Outcome = iota
	AlreadyCollected
	JustCollected
)

func (o Outcome) String() string {
	switch o {
	case JustCollected:
		return metrics.OutcomeJustCollected
	case AlreadyCollected:
		return metrics.OutcomeAlreadyCollected
	default:
		return metrics.OutcomeNotEligible
	}
}

// MarshalText renders the outcome label.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// State is the stored latch row. Collected[i] implies Eligible[i].
type State struct {
	Eligible  [Slots]bool
	Collected [Slots]bool
}

// Collection holds one outcome per slot, slot 1 first.
type Collection [Slots]Outcome

// Collected lists the 1-based slots that flipped in this request.
func (c Collection) Collected() []int {
	var out []int
	for i, o := range c {
		if o == JustCollected {
			out = append(out, i+1)
		}
	}
	return out
}

// Collect flips every eligible, uncollected slot of s and reports the
// outcome per slot. Callers must hold exclusive access to s.
func Collect(s *State) Collection {
	var c Collection
	for i := range Slots {
		switch {
		case !s.Eligible[i]:
			c[i] = NotEligible
		case s.Collected[i]:
			c[i] = AlreadyCollected
		default:
			s.Collected[i] = true
			c[i] = JustCollected
		}
	}
	return c
}

// ValidSlot reports an error for slots outside 1..Slots.
func ValidSlot(slot int) error {
	if slot < 1 || slot > Slots {
		return fmt.Errorf("gift slot %d outside 1..%d: %w", slot, Slots, model.ErrInvalidArgument)
	}
	return nil
}

// Store persists latch rows. Implementations flip each slot with a
// compare-and-set so concurrent collectors cannot both win a slot.
type Store interface {
	MarkEligible(ctx context.Context, uid model.UID, slot int) error
	CollectEligible(ctx context.Context, uid model.UID) (Collection, error)
	GiftState(ctx context.Context, uid model.UID) (State, error)
}

// Option applies a configuration option to the Latch.
type Option func(*Latch)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Latch) {
		if l != nil {
			g.log = l
		}
	}
}

// Latch validates requests and records outcomes around a Store.
type Latch struct {
	store Store
	log   logger.Logger
}

// NewLatch creates a Latch over store.
func NewLatch(store Store, opts ...Option) *Latch {
	g := &Latch{store: store, log: logger.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MarkEligible sets Eligible for slot. Repeating it is a no-op.
func (g *Latch) MarkEligible(ctx context.Context, uid model.UID, slot int) error {
	if err := ValidSlot(slot); err != nil {
		return err
	}
	if err := g.store.MarkEligible(ctx, uid, slot); err != nil {
		return fmt.Errorf("mark gift %d eligible for %d: %w", slot, uid, err)
	}
	return nil
}

// CollectEligibleGifts collects every slot that is eligible and not yet collected.
func (g *Latch) CollectEligibleGifts(ctx context.Context, uid model.UID) (Collection, error) {
	c, err := g.store.CollectEligible(ctx, uid)
	if err != nil {
		return Collection{}, fmt.Errorf("collect gifts for %d: %w", uid, err)
	}
	for _, o := range c {
		if err := metrics.RecordGiftOutcome(o.String()); err != nil {
			g.log.Warn(ctx, "gift outcome not recorded", logger.Error(err))
		}
	}
	if got := c.Collected(); len(got) > 0 {
		g.log.Info(ctx, "gifts collected", logger.Int64("uid", int64(uid)), logger.Any("slots", got))
	}
	return c, nil
}

// State returns the stored latch row.
func (g *Latch) State(ctx context.Context, uid model.UID) (State, error) {
	s, err := g.store.GiftState(ctx, uid)
	if err != nil {
		return State{}, fmt.Errorf("gift state for %d: %w", uid, err)
	}
	return s, nil
}
