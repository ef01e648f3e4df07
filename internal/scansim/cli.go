package scansim

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/laufevent/pkg/logger"
)

// SetupLogging configures logging to both console and file.
// If logFile is empty, only the console is used.
func SetupLogging(logFile string, verbose bool) (io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermission)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		w, closer = io.MultiWriter(os.Stdout, f), f
	}
	if err := logger.InitWithWriter(w, "text"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	return closer, nil
}

// DefaultLogFile returns a timestamped log file name.
func DefaultLogFile(now time.Time) string {
	return "scan_sim_" + now.Format("20060102_150405") + ".log"
}

// ShowHelp prints usage information for the scan simulator.
func ShowHelp(w io.Writer) {
	_, _ = io.WriteString(w, `Laufevent Scan Simulator
========================

Posts simulated checkpoint scans to a running laufevent service, waits for
the ingestion queue to drain and verifies round counts and standings.

Usage:
  go run ./cmd/scan-sim [options]

Options:
  -url string         Base URL of the service (default "http://localhost:9080")
  -runners int        Number of participants (default 200)
  -rounds int         Scans per participant (default 10)
  -dups float         Fraction of scans resubmitted with the same id (default 0.05)
  -donations int      Donations posted per runner (default 3)
  -workers int        Concurrent submitters (default CPU cores * 2)
  -timeout duration   HTTP request timeout (default 30s)
  -settle duration    Time allowed for the queue to drain (default 1m)
  -seed uint          Shuffle seed, 0 for random
  -output string      Write submitted scans as JSON
  -log string         Also log to this file
  -verbose            Log every failed request
  -help               Show this help message

Examples:
  go run ./cmd/scan-sim -runners 1000 -rounds 20 -workers 16
  go run ./cmd/scan-sim -url http://localhost:8080 -seed 42 -output scans.json
`)
}
