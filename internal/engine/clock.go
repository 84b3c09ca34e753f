package engine

import "time"

// Clock supplies wall time to the engine. Decay, expiry, escalation windows
// and record timestamps all read from it, so tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
