package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"marketguard/internal/model"
)

// dedupeCache suppresses byte-identical events reported twice inside the
// configured window, e.g. a collaborator double-reporting one observation.
type dedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{items: make(map[string]time.Time)}
}

func (d *dedupeCache) seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *dedupeCache) clear() {
	d.mu.Lock()
	d.items = make(map[string]time.Time)
	d.mu.Unlock()
}

func (d *dedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func hashEvent(ev model.SecurityEvent) string {
	parts := []string{string(ev.Type), string(ev.Severity), ev.Source}
	if len(ev.Payload) > 0 {
		keys := make([]string, 0, len(ev.Payload))
		for k := range ev.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+ev.Payload[k])
		}
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
