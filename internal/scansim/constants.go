package scansim

import "time"

// Retry policy for 429 backpressure answers.
const (
	maxAttempts  = 8
	retryBackoff = 50 * time.Millisecond
)

// Queue drain polling.
const (
	drainPollInterval = 100 * time.Millisecond
)

const percentageMultiplier = 100
