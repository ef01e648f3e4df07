package scansim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/laufevent/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	filePermission      = 0o600
)

// ErrNotDrained reports that the service still had queued scans after Settle.
var ErrNotDrained = errors.New("scan queue did not drain")

// Run executes a complete simulation: health check, generate, submit,
// wait for the ingestion queue to drain, verify laps, then donations.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get()

	log.Info(ctx, "starting laufevent scan simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("runners", cfg.Runners),
		logger.Int("rounds", cfg.Rounds),
		logger.Float64("duplicates", cfg.Duplicates),
		logger.Int("workers", cfg.Workers),
		logger.Duration("timeout", cfg.Timeout))

	c := newClient(cfg.BaseURL, cfg.Timeout)

	// Step 1: Check service health
	if err := c.health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Generate scans
	scans := generateScans(ctx, cfg, stats)
	baseline := 0
	if st, err := c.stats(ctx); err == nil {
		baseline = handled(st)
	}

	// Step 3: Submit scans concurrently
	if err := submitScans(ctx, cfg, c, scans, stats); err != nil {
		return stats, err
	}

	// Step 4: Wait for processing
	if err := waitForDrain(ctx, cfg, c, baseline+stats.ScansAccepted); err != nil {
		return stats, err
	}

	// Step 5: Verify results
	if err := verifyResults(ctx, cfg, c, stats); err != nil {
		return stats, fmt.Errorf("result verification failed: %w", err)
	}

	// Step 6: Donations
	if err := runDonations(ctx, cfg, c, stats); err != nil {
		return stats, fmt.Errorf("donation check failed: %w", err)
	}

	// Step 7: Save scans to file
	if cfg.OutputFile != "" {
		if err := saveScans(cfg.OutputFile, scans); err != nil {
			log.Warn(ctx, "failed to save scans to file", logger.Error(err))
		} else {
			log.Info(ctx, "scans saved to file", logger.String("filename", cfg.OutputFile))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)
	return stats, nil
}

// waitForDrain polls /stats until the queue is empty and the workers have
// handled target scans in total.
func waitForDrain(ctx context.Context, cfg *Config, c *client, target int) error {
	logger.Get().Info(ctx, "waiting for scans to be processed")
	ctx, cancel := context.WithTimeout(ctx, cfg.Settle)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		st, err := c.stats(ctx)
		if err == nil && drained(st) && handled(st) >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s", ErrNotDrained, cfg.Settle)
		case <-ticker.C:
		}
	}
}

// drained reads queueLength from a /stats body. JSON numbers decode as float64.
func drained(st map[string]any) bool {
	n, ok := st["queueLength"].(float64)
	return ok && n == 0
}

// handled sums the processed and failed counters of a /stats body.
func handled(st map[string]any) int {
	ok, _ := st["processed"].(float64)
	failed, _ := st["failed"].(float64)
	return int(ok + failed)
}

func saveScans(filename string, scans []Scan) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(scans, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scans: %w", err)
	}
	return os.WriteFile(filename, data, filePermission)
}

func displayFinalStats(ctx context.Context, stats *Stats) {
	var successRate, scansPerSecond float64
	submitted := stats.ScansAccepted + stats.ScansDuplicate + stats.ScansFailed
	if submitted > 0 {
		successRate = float64(stats.ScansAccepted+stats.ScansDuplicate) / float64(submitted) * percentageMultiplier
	}
	if stats.Duration > 0 {
		scansPerSecond = float64(submitted) / stats.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("scansGenerated", stats.ScansGenerated),
		logger.Int("scansAccepted", stats.ScansAccepted),
		logger.Int("scansDuplicate", stats.ScansDuplicate),
		logger.Int("scansRetried", stats.ScansRetried),
		logger.Int("scansFailed", stats.ScansFailed),
		logger.Int("runnersChecked", stats.RunnersChecked),
		logger.Int("donationsPosted", stats.DonationsPosted),
		logger.Int("ranked", stats.Ranked),
		logger.Duration("duration", stats.Duration),
		logger.Float64("successRate", successRate),
		logger.Float64("scansPerSecond", scansPerSecond))
}
