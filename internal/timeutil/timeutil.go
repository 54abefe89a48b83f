// Package timeutil provides monotonic-time arithmetic for the two time
// representations used by the engine: coarse microsecond counts (packet
// timestamps, tracker expiry) and fine time.Time/time.Duration values
// (tick scheduling).
package timeutil

import "time"

// Usecs is a microsecond count on an arbitrary monotonic origin.
type Usecs int64

// FromTime converts a time.Time to Usecs.
func FromTime(t time.Time) Usecs {
	return Usecs(t.UnixNano() / 1000)
}

// FromDuration converts a duration to Usecs.
func FromDuration(d time.Duration) Usecs {
	return Usecs(d.Microseconds())
}

// Duration converts a Usecs value back to a time.Duration.
func (u Usecs) Duration() time.Duration {
	return time.Duration(u) * time.Microsecond
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Usecs) Usecs {
	if a > b {
		return a - b
	}
	return b - a
}

// After reports whether a is strictly later than b.
func After(a, b Usecs) bool {
	return a > b
}

// Add returns t advanced by d.
func Add(t Usecs, d time.Duration) Usecs {
	return t + Usecs(d.Microseconds())
}

// NextDeadline advances deadline by period until it is strictly after
// now, returning the new deadline and the number of whole periods
// skipped (0 when the deadline was met).
func NextDeadline(deadline, now time.Time, period time.Duration) (time.Time, int) {
	missed := 0
	for !deadline.After(now) {
		deadline = deadline.Add(period)
		missed++
	}
	if missed > 0 {
		missed--
	}
	return deadline, missed
}
