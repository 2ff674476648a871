package github

import (
	"fmt"
	"sync"
)

// entityCache holds issue/PR detail payloads for the duration of one poll
// cycle, so repeated rule evaluations against the same entity cost one fetch.
type entityCache struct {
	mu      sync.Mutex
	entries map[string]map[string]any
	hits    int
	misses  int
}

func newEntityCache() *entityCache {
	return &entityCache{entries: make(map[string]map[string]any)}
}

func cacheKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (c *entityCache) get(owner, repo string, number int) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[cacheKey(owner, repo, number)]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

func (c *entityCache) put(owner, repo string, number int, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(owner, repo, number)] = data
}

func (c *entityCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]map[string]any)
	c.hits = 0
	c.misses = 0
}

// CacheStats reports entity cache usage for the current cycle.
type CacheStats struct {
	Size   int
	Hits   int
	Misses int
}

func (c *entityCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}
