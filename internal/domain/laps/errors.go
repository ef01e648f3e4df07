package laps

import "errors"

// ErrBadClock is returned when a duration string is not hh:mm:ss.
var ErrBadClock = errors.New("laps: malformed hh:mm:ss duration")
