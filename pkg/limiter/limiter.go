package limiter

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// DurationLimiter represents something that will wait until the ratelimit
// has cleared
type DurationLimiter struct {
	limit    *int32
	duration *int64

	resetsAt  *int64
	available *int32
}

// NewDurationLimiter creates a DurationLimiter. This is useful for allowing
// a specific operation to run only X amount of times in a duration of Y.
func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	nanos := duration.Nanoseconds()

	return &DurationLimiter{
		limit:    &limit,
		duration: &nanos,

		resetsAt:  new(int64),
		available: new(int32),
	}
}

// Lock waits until there is an available slot in the Limiter
func (l *DurationLimiter) Lock() {
	now := time.Now().UnixNano()

	// If we have surpassed the resetAt, then make a new resetAt and free
	// up available
	if atomic.LoadInt64(l.resetsAt) <= now {
		atomic.StoreInt64(l.resetsAt, now+atomic.LoadInt64(l.duration))
		atomic.StoreInt32(l.available, atomic.LoadInt32(l.limit))
	}

	if atomic.LoadInt32(l.available) <= 0 {
		// This on its own can create a race condition if 2 routines are
		// waiting simultaneously. In order to not make this occur, we
		// must call the lock again to make sure.
		sleepDuration := time.Duration(atomic.LoadInt64(l.resetsAt) - now)

		slog.Debug("Rate limited, waiting for window to clear", "wait", sleepDuration)

		time.Sleep(sleepDuration)
		l.Lock()

		return
	}

	atomic.AddInt32(l.available, -1)
}

// Reset resets the resetsAt
func (l *DurationLimiter) Reset() {
	now := time.Now().UnixNano()
	atomic.StoreInt64(l.resetsAt, now+atomic.LoadInt64(l.duration))
}

// Available returns how many slots remain in the current window.
func (l *DurationLimiter) Available() int32 {
	now := time.Now().UnixNano()

	if atomic.LoadInt64(l.resetsAt) <= now {
		return atomic.LoadInt32(l.limit)
	}

	return atomic.LoadInt32(l.available)
}
