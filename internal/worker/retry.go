package worker

import (
	"time"
)

// RetryPolicy is the single backoff schedule of the engine.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns base * 2^retryCount, clamped to MaxDelay. retryCount is the
// number of failures already recorded for the event.
func (r RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 0; i < retryCount; i++ {
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Exhausted reports whether a failure at retryCount freezes the event.
func (r RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= r.MaxRetries
}
