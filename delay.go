package twopc

import "time"

// DelayFunc maps the number of failed attempts so far to the wait before the next one.
type DelayFunc func(attempt int) time.Duration

// Fixed waits delay between attempts.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential waits delay before the first retry and twice as long before each following one,
// never more than maxDelay. A non-positive delay disables waiting.
//
// Exponential(100*time.Millisecond, time.Second) waits 100ms, 200ms, 400ms, 800ms, 1s, 1s...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 || maxDelay <= 0 {
		return Fixed(0)
	}

	return func(attempt int) time.Duration {
		d := delay
		for range max(attempt, 0) {
			if d >= maxDelay {
				break
			}
			if d > maxDelay/2 {
				return maxDelay
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}
