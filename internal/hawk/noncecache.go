package hawk

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryNonceCache is an in-process replay guard. It remembers every
// (id, ts, nonce) triple for the retention period and rejects repeats.
// Retention only needs to cover the server's skew window; anything older is
// already rejected as stale before the nonce check runs.
type MemoryNonceCache struct {
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	nextSweep time.Time
}

// NewMemoryNonceCache constructs a cache retaining nonces for the given
// duration (typically 2x the server skew).
func NewMemoryNonceCache(retention time.Duration) *MemoryNonceCache {
	return &MemoryNonceCache{
		retention: retention,
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
}

// Check implements NonceCheckFunc.
func (c *MemoryNonceCache) Check(id string, ts int64, nonce string) error {
	key := id + "\x00" + strconv.FormatInt(ts, 10) + "\x00" + nonce

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.After(c.nextSweep) {
		for k, expires := range c.seen {
			if now.After(expires) {
				delete(c.seen, k)
			}
		}
		c.nextSweep = now.Add(c.retention)
	}

	if expires, ok := c.seen[key]; ok && now.Before(expires) {
		return fmt.Errorf("nonce %q already seen", nonce)
	}
	c.seen[key] = now.Add(c.retention)
	return nil
}
