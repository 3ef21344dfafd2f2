package bus

import (
	"slices"
	"sync"
	"time"
)

// DedupeCache remembers keys for a TTL and reports whether a key was already seen.
// Bounded: once max entries are tracked, expired keys are pruned and then the
// oldest keys are evicted. Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
	order   []string
	now     func() time.Time
}

// NewDedupeCache creates a cache keeping keys for ttl, tracking at most max keys.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1024
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen records key and returns true if it was already present and not expired.
func (d *DedupeCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[key]; ok && now.Sub(at) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		d.prune(now)
	}
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = now
	return false
}

// Has reports whether key is tracked and not expired, without recording it.
func (d *DedupeCache) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.entries[key]
	return ok && d.now().Sub(at) < d.ttl
}

// Forget drops key so the next Seen reports it as new.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	d.order = slices.DeleteFunc(d.order, func(k string) bool { return k == key })
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *DedupeCache) prune(now time.Time) {
	kept := d.order[:0]
	for _, k := range d.order {
		if now.Sub(d.entries[k]) >= d.ttl {
			delete(d.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	d.order = kept

	for len(d.entries) >= d.max && len(d.order) > 0 {
		delete(d.entries, d.order[0])
		d.order = d.order[1:]
	}
}
