// Package scansim drives a running laufevent service with simulated
// checkpoint scans and donations and verifies the derived rounds, standings
// and donation totals.
package scansim

import "time"

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL    string        // Base URL of the service
	Runners    int           // Number of participants
	Rounds     int           // Scans per participant
	Duplicates float64       // Fraction of scans resubmitted with the same id
	Donations  int           // Donations posted per runner
	Workers    int           // Number of concurrent submitters
	Timeout    time.Duration // HTTP request timeout
	Settle     time.Duration // How long to wait for the queue to drain
	Seed       uint64        // Shuffle seed; 0 picks one from the clock
	OutputFile string        // Optional JSON dump of submitted scans
	Verbose    bool          // Log every failed request
}

// Scan is the body of POST /api/checkpoint/scans.
type Scan struct {
	ScanID string `json:"scan_id"`
	UID    int64  `json:"uid"`
}

// Standing is one row of GET /api/standings.
type Standing struct {
	Rank       int    `json:"rank"`
	UID        int64  `json:"uid"`
	FastestLap string `json:"fastest_lap"`
}

// CheckpointInfo is the body of GET /api/Checkpoint/ci-by-uid.
type CheckpointInfo struct {
	UID        int64   `json:"uid"`
	RoundCount int     `json:"round_count"`
	LapTime    *string `json:"lap_time"`
	FastestLap *string `json:"fastest_lap"`
}

// AckResponse is the body returned for an accepted or duplicate scan.
type AckResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Stats holds run statistics.
type Stats struct {
	ScansGenerated  int
	ScansAccepted   int
	ScansDuplicate  int
	ScansRetried    int
	ScansFailed     int
	RunnersChecked  int
	DonationsPosted int
	Ranked          int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
