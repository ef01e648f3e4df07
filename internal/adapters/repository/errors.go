package repository

import "errors"

// Sentinel kinds for standings errors.
var (
	ErrNotRanked    = errors.New("participant has no fastest lap")
	ErrInvalidLimit = errors.New("invalid standings limit")
)
