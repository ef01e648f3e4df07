package scansim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/pkg/logger"
)

// ErrMismatch reports state that disagrees with what was submitted.
var ErrMismatch = errors.New("verification mismatch")

// verifyResults checks every runner's round count and fastest lap against
// the standings. Only accepted scans count, so a run with failed submissions
// cannot be verified exactly.
func verifyResults(ctx context.Context, cfg *Config, c *client, stats *Stats) error {
	log := logger.Get()
	log.Info(ctx, "verifying results", logger.Int("runners", cfg.Runners))

	infos := make([]CheckpointInfo, cfg.Runners)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range infos {
		g.Go(func() error {
			info, err := c.checkpoint(gctx, int64(i+1))
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch checkpoints: %w", err)
	}
	stats.RunnersChecked = len(infos)

	var problems []error
	report := func(err error) { problems = append(problems, err) }

	exact := stats.ScansFailed == 0
	wantRanked := 0
	for _, info := range infos {
		if exact && info.RoundCount != cfg.Rounds {
			report(fmt.Errorf("%w: runner %d has %d rounds, want %d", ErrMismatch, info.UID, info.RoundCount, cfg.Rounds))
		}
		if info.RoundCount >= 2 {
			wantRanked++
			if info.FastestLap == nil || info.LapTime == nil {
				report(fmt.Errorf("%w: runner %d has %d rounds but no lap", ErrMismatch, info.UID, info.RoundCount))
			}
		}
	}

	standings, err := c.standings(ctx, max(cfg.Runners, 1))
	if err != nil {
		return fmt.Errorf("fetch standings: %w", err)
	}
	stats.Ranked = len(standings)
	if err := verifyStandings(standings, infos, wantRanked); err != nil {
		report(err)
	}

	if len(problems) > 0 {
		for _, p := range problems {
			log.Warn(ctx, "verification problem", logger.Error(p))
		}
		return errors.Join(problems...)
	}
	log.Info(ctx, "result verification completed", logger.Int("ranked", stats.Ranked))
	return nil
}

// verifyStandings checks ordering, competition ranks and agreement with
// each runner's checkpoint view.
func verifyStandings(standings []Standing, infos []CheckpointInfo, wantRanked int) error {
	if len(standings) != wantRanked {
		return fmt.Errorf("%w: %d ranked runners, want %d", ErrMismatch, len(standings), wantRanked)
	}
	byUID := make(map[int64]CheckpointInfo, len(infos))
	for _, info := range infos {
		byUID[info.UID] = info
	}

	var prev laps.Clock
	for i, s := range standings {
		d, err := laps.Parse(s.FastestLap)
		if err != nil {
			return fmt.Errorf("%w: standing %d: %w", ErrMismatch, i, err)
		}
		// Displayed laps are truncated to seconds, so equal clocks may
		// still hold distinct ranks.
		lap := laps.Clock(d)
		switch {
		case i == 0 && s.Rank != 1:
			return fmt.Errorf("%w: first rank is %d", ErrMismatch, s.Rank)
		case i > 0 && lap < prev:
			return fmt.Errorf("%w: standing %d is faster than standing %d", ErrMismatch, i, i-1)
		case i > 0 && lap > prev && s.Rank != i+1:
			return fmt.Errorf("%w: standing %d has rank %d, want %d", ErrMismatch, i, s.Rank, i+1)
		case i > 0 && s.Rank != standings[i-1].Rank && s.Rank != i+1:
			return fmt.Errorf("%w: standing %d has rank %d after rank %d", ErrMismatch, i, s.Rank, standings[i-1].Rank)
		}
		prev = lap

		info, ok := byUID[s.UID]
		if !ok || info.FastestLap == nil {
			return fmt.Errorf("%w: ranked runner %d has no fastest lap", ErrMismatch, s.UID)
		}
		if *info.FastestLap != s.FastestLap {
			return fmt.Errorf("%w: runner %d fastest lap %s, standings say %s", ErrMismatch, s.UID, *info.FastestLap, s.FastestLap)
		}
	}
	return nil
}
