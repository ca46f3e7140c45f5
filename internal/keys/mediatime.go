package keys

import (
	"math"
	"time"
)

// TicksToDuration converts a decode time in track ticks to media time.
// The quotient and remainder are scaled separately so large live timestamps do
// not overflow.
func TicksToDuration(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := uint64(timescale)
	whole := ticks / ts
	rem := ticks % ts
	return time.Duration(whole)*time.Second + time.Duration(rem*uint64(time.Second)/ts)
}

// SecondsToDuration converts wire seconds to media time, rounded to the nanosecond.
func SecondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}
