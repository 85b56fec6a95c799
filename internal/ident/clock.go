package ident

import "time"

// Clock abstracts time for components that judge freshness (envelope drift,
// packet staleness, cache TTLs). Production code uses SystemClock; tests
// substitute a fake to step time deterministically.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock reads the system clock. Values from Now carry Go's monotonic
// reading, so Since stays correct across wall-clock adjustments.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }
