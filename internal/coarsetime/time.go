// Package coarsetime is a clock refreshed every 50ms by a background
// goroutine. Connections stamp every read and write, and time.Now on that
// path is measurable.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Int64

func init() {
	now.Store(time.Now().UnixNano())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(t.UnixNano())
		}
	}()
}

// Now returns the current time, at most one tick old.
func Now() time.Time {
	return time.Unix(0, now.Load())
}

// UnixNano returns Now as nanoseconds since the epoch.
func UnixNano() int64 {
	return now.Load()
}

// Since returns the coarse time elapsed since the given unix-nano stamp.
func Since(stamp int64) time.Duration {
	return time.Duration(now.Load() - stamp)
}
