package gateway

import (
	"sync"
	"time"
)

// dedupeTTL is how long a processed API key update suppresses identical retries.
const dedupeTTL = 5 * time.Minute

// dedupeCache remembers recently processed keys so client retries are acknowledged without repeating the work. It
// is per replica; a retry landing on another replica repeats the update, which is idempotent.
type dedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{entries: make(map[string]time.Time), ttl: ttl}
}

// seen records the key and reports whether it was already present and unexpired. Expired entries are pruned as they
// are encountered.
func (d *dedupeCache) seen(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.entries[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.entries[key] = now

	// Opportunistic prune keeps the map from growing unbounded between restarts.
	if len(d.entries) > 10000 {
		for k, at := range d.entries {
			if now.Sub(at) >= d.ttl {
				delete(d.entries, k)
			}
		}
	}

	return false
}
