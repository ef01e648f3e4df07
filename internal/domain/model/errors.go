package model

import "errors"

// Error kinds shared by every layer. Callers classify with errors.Is.
var (
	// ErrStore is a transient storage failure; the caller may retry.
	ErrStore = errors.New("store error")
	// ErrNotFound means the participant has no row for the requested ledger.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientData means fewer than two scans exist.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidState means stored data violates an ordering invariant.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument rejects a bad input such as a non-positive donation.
	ErrInvalidArgument = errors.New("invalid argument")
)
