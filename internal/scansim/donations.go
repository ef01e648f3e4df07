package scansim

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/okian/laufevent/pkg/logger"
)

type donationRequest struct {
	Amount float64 `json:"amount"`
}

type donationReceipt struct {
	UID       int64   `json:"uid"`
	NewAmount float64 `json:"new_amount"`
}

// donationAmount is what runner uid gives per donation.
func donationAmount(uid int64) float64 {
	return float64(uid%5+1) * 1.25
}

// runDonations provisions every runner, posts cfg.Donations donations per
// runner concurrently and checks that the largest returned total equals the
// sum of what was sent.
func runDonations(ctx context.Context, cfg *Config, c *client, stats *Stats) error {
	if cfg.Donations <= 0 {
		return nil
	}
	log := logger.Get()
	log.Info(ctx, "posting donations", logger.Int("runners", cfg.Runners), logger.Int("perRunner", cfg.Donations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := 0; i < cfg.Runners; i++ {
		uid := int64(i + 1)
		g.Go(func() error { return c.provision(gctx, uid) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	var mu sync.Mutex
	totals := make(map[int64]float64, cfg.Runners)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := 0; i < cfg.Runners; i++ {
		uid := int64(i + 1)
		for range cfg.Donations {
			g.Go(func() error {
				r, err := c.donate(gctx, uid, donationAmount(uid))
				if err != nil {
					return err
				}
				mu.Lock()
				totals[uid] = max(totals[uid], r.NewAmount)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("donate: %w", err)
	}

	for uid, got := range totals {
		want := donationAmount(uid) * float64(cfg.Donations)
		if math.Abs(got-want) > 0.001 {
			return fmt.Errorf("%w: runner %d donated %.2f, total says %.2f", ErrMismatch, uid, want, got)
		}
	}
	stats.DonationsPosted = cfg.Runners * cfg.Donations
	log.Info(ctx, "donation totals verified", logger.Int("donations", stats.DonationsPosted))
	return nil
}

func (c *client) provision(ctx context.Context, uid int64) error {
	code, err := c.do(ctx, http.MethodPost, "/api/participants/"+strconv.FormatInt(uid, 10), nil, nil)
	if err != nil {
		return err
	}
	if code != http.StatusNoContent {
		return fmt.Errorf("%w: provision %d answered %d", errStatus, uid, code)
	}
	return nil
}

func (c *client) donate(ctx context.Context, uid int64, amount float64) (donationReceipt, error) {
	var out donationReceipt
	code, err := c.do(ctx, http.MethodPut, "/api/SetDonationAmount/"+strconv.FormatInt(uid, 10), donationRequest{Amount: amount}, &out)
	if err != nil {
		return out, err
	}
	if code != http.StatusOK {
		return out, fmt.Errorf("%w: donation for %d answered %d", errStatus, uid, code)
	}
	return out, nil
}
