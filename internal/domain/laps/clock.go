package laps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format renders d as zero-padded hh:mm:ss. Hours are not folded into days
// and may use more than two digits. Sub-second parts are truncated.
// Negative durations are rendered with a leading minus sign.
func Format(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
}

// Parse reads an hh:mm:ss value produced by Format.
func Parse(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	var vals [3]int64
	for i, p := range parts {
		if len(p) < 2 {
			return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	return time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second, nil
}

// Clock is a duration that marshals to JSON as "hh:mm:ss".
type Clock time.Duration

func (c Clock) String() string { return Format(time.Duration(c)) }

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	d, err := Parse(s)
	if err != nil {
		return err
	}
	*c = Clock(d)
	return nil
}
