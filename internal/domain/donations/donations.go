// Package donations implements the additive per-participant donation ledger.
package donations

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

// Cents is a donation amount in hundredths of the currency unit.
type Cents int64

// FromAmount converts a decimal amount to cents, rounding half away from zero.
// The result must be positive.
func FromAmount(amount float64) (Cents, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("amount %v is not a number: %w", amount, model.ErrInvalidArgument)
	}
	scaled := math.Round(amount * 100)
	if scaled <= 0 {
		return 0, fmt.Errorf("amount %v must be positive: %w", amount, model.ErrInvalidArgument)
	}
	if scaled > math.MaxInt64/2 {
		return 0, fmt.Errorf("amount %v too large: %w", amount, model.ErrInvalidArgument)
	}
	return Cents(scaled), nil
}

// Amount returns c in currency units.
func (c Cents) Amount() float64 { return float64(c) / 100 }

func (c Cents) String() string { return strconv.FormatFloat(c.Amount(), 'f', 2, 64) }

// Receipt reports one accepted addition. New == Previous + Delta.
type Receipt struct {
	UID      model.UID
	Previous Cents
	Delta    Cents
	New      Cents
}

// Store persists the ledger rows.
type Store interface {
	// AddDonation adds delta in one atomic step. Unknown uids are ErrNotFound.
	AddDonation(ctx context.Context, uid model.UID, delta Cents) (Receipt, error)
	Donation(ctx context.Context, uid model.UID) (Cents, error)
}

// Option applies a configuration option to the Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Ledger) {
		if l != nil {
			d.log = l
		}
	}
}

// Ledger validates additions before they reach the Store.
type Ledger struct {
	store Store
	log   logger.Logger
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	d := &Ledger{store: store, log: logger.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add adds delta to the participant's total.
func (d *Ledger) Add(ctx context.Context, uid model.UID, delta Cents) (Receipt, error) {
	if delta <= 0 {
		return Receipt{}, fmt.Errorf("donation delta %s must be positive: %w", delta, model.ErrInvalidArgument)
	}
	r, err := d.store.AddDonation(ctx, uid, delta)
	if err != nil {
		return Receipt{}, fmt.Errorf("add donation for %d: %w", uid, err)
	}
	metrics.RecordDonation(int64(delta))
	d.log.Info(ctx, "donation added",
		logger.Int64("uid", int64(uid)),
		logger.String("delta", delta.String()),
		logger.String("total", r.New.String()))
	return r, nil
}

// AddAmount converts amount to cents and adds it.
func (d *Ledger) AddAmount(ctx context.Context, uid model.UID, amount float64) (Receipt, error) {
	delta, err := FromAmount(amount)
	if err != nil {
		return Receipt{}, err
	}
	return d.Add(ctx, uid, delta)
}

// Total returns the current amount.
func (d *Ledger) Total(ctx context.Context, uid model.UID) (Cents, error) {
	c, err := d.store.Donation(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("donation total for %d: %w", uid, err)
	}
	return c, nil
}
