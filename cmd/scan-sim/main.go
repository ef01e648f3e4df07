package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/laufevent/internal/scansim"
)

// Default configuration constants.
const (
	defaultRunners     = 200
	defaultRounds      = 10
	defaultDuplicates  = 0.05
	defaultDonations   = 3
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultTimeout     = 30 * time.Second
	defaultSettle      = time.Minute
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		runners    = flag.Int("runners", defaultRunners, "Number of participants")
		rounds     = flag.Int("rounds", defaultRounds, "Scans per participant")
		dups       = flag.Float64("dups", defaultDuplicates, "Fraction of scans resubmitted with the same id")
		donations  = flag.Int("donations", defaultDonations, "Donations posted per runner")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle     = flag.Duration("settle", defaultSettle, "Time allowed for the queue to drain")
		seed       = flag.Uint64("seed", 0, "Shuffle seed, 0 for random")
		outputFile = flag.String("output", "", "Write submitted scans as JSON")
		logFile    = flag.String("log", "", "Also log to this file")
		verbose    = flag.Bool("verbose", false, "Log every failed request")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		scansim.ShowHelp(os.Stdout)
		return
	}

	closer, err := scansim.SetupLogging(*logFile, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultTestTimeout)
	defer cancel()

	cfg := &scansim.Config{
		BaseURL:    *baseURL,
		Runners:    *runners,
		Rounds:     *rounds,
		Duplicates: *dups,
		Donations:  *donations,
		Workers:    max(*workers, 1),
		Timeout:    *timeout,
		Settle:     *settle,
		Seed:       *seed,
		OutputFile: *outputFile,
		Verbose:    *verbose,
	}

	if _, err := scansim.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
