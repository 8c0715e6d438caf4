package gossiptransport

import "time"

// SystemClock wraps time.Now, satisfying Clock for production wiring.
type SystemClock struct{}

// NowMillis returns the current wall-clock time in milliseconds.
func (SystemClock) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
