package capability

import (
	"container/list"
	"sync"
)

const defaultCacheSize = 1024

// CacheStats is a point-in-time snapshot of pattern cache behavior.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

type cacheKey struct {
	pattern string
	domain  bool
}

type cacheEntry struct {
	key      cacheKey
	compiled compiledPattern
}

// Cache is a bounded LRU of compiled patterns. The policy engine shares one
// cache across all identities, so hot patterns compile once.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used
	hits    uint64
	misses  uint64
}

// NewCache creates a pattern cache bounded to maxSize entries.
// maxSize <= 0 selects the default.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	return &Cache{
		max:     maxSize,
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
	}
}

func (c *Cache) get(pattern string, domain bool) compiledPattern {
	key := cacheKey{pattern: pattern, domain: domain}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).compiled
	}

	c.misses++
	compiled := compilePattern(pattern, domain)
	el := c.order.PushFront(&cacheEntry{key: key, compiled: compiled})
	c.entries[key] = el

	if c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	return compiled
}

// Match reports whether s matches pattern, compiling through the cache.
func (c *Cache) Match(pattern, s string) bool {
	return c.get(pattern, false).match(s)
}

// MatchDomain reports whether domain matches pattern, compiling through the
// cache.
func (c *Cache) MatchDomain(pattern, domain string) bool {
	return c.get(pattern, true).match(domain)
}

// MatchAny reports whether s matches any pattern in the list.
func (c *Cache) MatchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if c.Match(p, s) {
			return true
		}
	}
	return false
}

// MatchAnyDomain reports whether domain matches any pattern in the list.
func (c *Cache) MatchAnyDomain(patterns []string, domain string) bool {
	for _, p := range patterns {
		if c.MatchDomain(p, domain) {
			return true
		}
	}
	return false
}

// Stats returns cache hit/miss counters and the current size.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
}
