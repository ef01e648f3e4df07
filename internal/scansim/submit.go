package scansim

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/okian/laufevent/pkg/logger"
)

// submitScans posts scans with at most cfg.Workers requests in flight.
// Runners are sharded across workers so each runner's scans are posted in
// generation order. Failed requests are counted, not fatal.
func submitScans(ctx context.Context, cfg *Config, c *client, scans []Scan, stats *Stats) error {
	log := logger.Get()
	log.Info(ctx, "submitting scans", logger.Int("scans", len(scans)), logger.Int("workers", cfg.Workers))

	shards := make([][]Scan, cfg.Workers)
	for _, s := range scans {
		i := int(s.UID % int64(cfg.Workers))
		shards[i] = append(shards[i], s)
	}

	var accepted, duplicate, retried, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		g.Go(func() error {
			for _, s := range shard {
				dup, retries, err := c.postScan(gctx, s)
				retried.Add(int64(retries))
				switch {
				case gctx.Err() != nil:
					return gctx.Err()
				case err != nil:
					failed.Add(1)
					if cfg.Verbose {
						log.Warn(gctx, "scan failed", logger.String("scan_id", s.ScanID), logger.Error(err))
					}
				case dup:
					duplicate.Add(1)
				default:
					accepted.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	stats.ScansAccepted = int(accepted.Load())
	stats.ScansDuplicate = int(duplicate.Load())
	stats.ScansRetried = int(retried.Load())
	stats.ScansFailed = int(failed.Load())
	log.Info(ctx, "scan submission completed",
		logger.Int("accepted", stats.ScansAccepted),
		logger.Int("duplicate", stats.ScansDuplicate),
		logger.Int("retried", stats.ScansRetried),
		logger.Int("failed", stats.ScansFailed))
	return nil
}
