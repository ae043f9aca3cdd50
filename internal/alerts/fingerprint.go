package alerts

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/finsentry/finsentry/pkg/models"
)

// fingerprintCache suppresses duplicate emissions caused by re-evaluating the
// same underlying state within one evaluation cycle. It is volatile and
// advisory: losing it risks at most one extra duplicate notification.
type fingerprintCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint64]time.Time
	now     func() time.Time
}

func newFingerprintCache(ttl time.Duration, now func() time.Time) *fingerprintCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &fingerprintCache{
		ttl:     ttl,
		entries: make(map[uint64]time.Time),
		now:     now,
	}
}

// Seen reports whether fp was recorded within the TTL window. Expired entries
// are pruned opportunistically.
func (c *fingerprintCache) Seen(fp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
		}
	}
	_, ok := c.entries[fp]
	return ok
}

// Record stores fp with the current time.
func (c *fingerprintCache) Record(fp uint64) {
	c.mu.Lock()
	c.entries[fp] = c.now()
	c.mu.Unlock()
}

// fingerprint hashes the alert id and trigger metadata into a stable cache
// key. Metadata keys are sorted so the hash does not depend on map order.
func fingerprint(alertID models.AlertID, metadata map[string]any) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d", alertID)
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, metadata[k])
	}
	return h.Sum64()
}
