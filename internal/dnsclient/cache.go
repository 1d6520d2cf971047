package dnsclient

import (
	"net/netip"
	"sync"
	"time"
)

// cacheKey mirrors spec §3's DNS cache entry key: (hostname, qtype).
type cacheKey struct {
	hostname string
	qtype    uint16
}

type cacheEntry struct {
	addrs  []netip.Addr
	expiry time.Time
}

// cache is the DNS cache, shared read/write under a reader-biased lock
// per spec §5. Negative caching is not required (spec §3) and is not
// implemented.
type cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

func newCache() *cache {
	return &cache{entries: make(map[cacheKey]cacheEntry), now: time.Now}
}

func (c *cache) get(hostname string, qtype uint16) ([]netip.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{hostname, qtype}]
	if !ok || c.now().After(e.expiry) {
		return nil, false
	}
	return e.addrs, true
}

func (c *cache) put(hostname string, qtype uint16, addrs []netip.Addr, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{hostname, qtype}] = cacheEntry{addrs: addrs, expiry: c.now().Add(ttl)}
}
