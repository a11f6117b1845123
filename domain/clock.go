package domain

import (
	"sync/atomic"
	"time"
)

var lastTimestamp atomic.Int64

// NextTimestamp returns the current time, bumped forward by a nanosecond
// when needed so successive calls never go backwards or repeat.
func NextTimestamp() time.Time {
	for {
		now := time.Now().UnixNano()
		last := lastTimestamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}
