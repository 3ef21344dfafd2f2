// Package cooldown decides whether a scope may receive another response yet.
package cooldown

import "time"

// Allow reports whether a response is permitted at now, given the last
// response time. A zero last means the key never responded.
func Allow(last, now time.Time, minInterval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= minInterval
}

// Remaining returns how long until Allow turns true, or 0 if it already is.
func Remaining(last, now time.Time, minInterval time.Duration) time.Duration {
	if Allow(last, now, minInterval) {
		return 0
	}
	return minInterval - now.Sub(last)
}
