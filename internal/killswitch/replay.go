package killswitch

import (
	"sync"
	"time"
)

// DefaultReplayCacheSize bounds the replay cache when no size is configured.
const DefaultReplayCacheSize = 10000

// ReplayCache remembers processed command ids so a captured command cannot be
// redelivered. Entries age out in insertion order once the cache is full, so
// the cache size must cover at least the clock-skew window at peak command
// rate.
type ReplayCache struct {
	mu    sync.Mutex
	max   int
	seen  map[string]time.Time
	order []string
}

// NewReplayCache returns a replay cache bounded to max entries. A max of zero
// or less falls back to DefaultReplayCacheSize.
func NewReplayCache(max int) *ReplayCache {
	if max <= 0 {
		max = DefaultReplayCacheSize
	}
	return &ReplayCache{
		max:  max,
		seen: make(map[string]time.Time, max),
	}
}

// Remember records the command id and reports whether it was new. A false
// return means the id was already processed and the command is a replay.
func (c *ReplayCache) Remember(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = time.Now()
	c.order = append(c.order, id)
	for len(c.order) > c.max {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, evict)
	}
	return true
}

// Contains reports whether the id is currently remembered.
func (c *ReplayCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Len reports the number of remembered ids.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
