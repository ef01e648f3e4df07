package scansim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/okian/laufevent/pkg/logger"
)

// generateScans builds Rounds scans per runner plus the configured share of
// resubmissions. A runner's scans keep their relative order so that laps are
// strictly positive; runners are interleaved at random.
func generateScans(ctx context.Context, cfg *Config, stats *Stats) []Scan {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	perRunner := make([][]Scan, cfg.Runners)
	for i := range perRunner {
		uid := int64(i + 1)
		for r := 0; r < cfg.Rounds; r++ {
			perRunner[i] = append(perRunner[i], Scan{
				ScanID: fmt.Sprintf("sim-%d-%d-%s", uid, r, uuid.NewString()),
				UID:    uid,
			})
		}
	}

	out := make([]Scan, 0, cfg.Runners*cfg.Rounds)
	for len(out) < cfg.Runners*cfg.Rounds {
		i := rng.IntN(len(perRunner))
		if len(perRunner[i]) == 0 {
			continue
		}
		out = append(out, perRunner[i][0])
		perRunner[i] = perRunner[i][1:]
	}

	unique := len(out)
	for i := 0; i < unique; i++ {
		if rng.Float64() < cfg.Duplicates {
			out = append(out, out[i])
		}
	}

	stats.ScansGenerated = len(out)
	logger.Get().Info(ctx, "generated scans",
		logger.Int("unique", unique),
		logger.Int("resubmissions", len(out)-unique),
		logger.Any("seed", seed))
	return out
}
