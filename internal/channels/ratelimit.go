package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from callers rotating source IPs.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter is a fixed-window counter per key for inbound webhook
// calls (relay forward/response endpoints). Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewWebhookRateLimiter allows maxHits calls per key within each window.
func NewWebhookRateLimiter(window time.Duration, maxHits int) *WebhookRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxHits <= 0 {
		maxHits = 30
	}
	return &WebhookRateLimiter{
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Allow returns true if the key is within rate limits.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		r.evict(now)
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}

// evict drops expired windows, then the oldest windows until below the cap.
func (r *WebhookRateLimiter) evict(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.windowStart) >= r.window {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, e := range r.entries {
			if oldestKey == "" || e.windowStart.Before(oldest) {
				oldestKey, oldest = k, e.windowStart
			}
		}
		delete(r.entries, oldestKey)
	}
}
