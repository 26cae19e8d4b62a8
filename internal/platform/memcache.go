package platform

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache. It backs single-instance deployments
// and tests; multi-instance deployments swap in a shared implementation
// behind the same interface.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a cache and starts its expiry sweeper.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries:  make(map[string]memEntry),
		zsets:    make(map[string]map[string]float64),
		expiry:   make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Close stops the expiry sweeper.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			for k, exp := range c.expiry {
				if now.After(exp) {
					delete(c.zsets, k)
					delete(c.expiry, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopChan:
			return
		}
	}
}

// Get returns the value for key, honoring expiry.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// Set stores value under key. A zero ttl means no expiry.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = memEntry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Del removes key.
func (c *MemoryCache) Del(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ZAdd inserts or updates member's score in the sorted set at key.
func (c *MemoryCache) ZAdd(_ context.Context, key, member string, score float64) {
	c.mu.Lock()
	set, ok := c.zsets[key]
	if !ok {
		set = make(map[string]float64)
		c.zsets[key] = set
	}
	set[member] = score
	c.mu.Unlock()
}

// ZRevRangeWithScores returns members of the set at key ordered by score
// descending, from index start through stop inclusive. stop = -1 means
// the end of the set.
func (c *MemoryCache) ZRevRangeWithScores(_ context.Context, key string, start, stop int) []ScoredMember {
	c.mu.RLock()
	set := c.zsets[key]
	members := make([]ScoredMember, 0, len(set))
	for m, s := range set {
		members = append(members, ScoredMember{Member: m, Score: s})
	}
	c.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member < members[j].Member
	})

	if stop < 0 {
		stop = len(members) + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= len(members) || stop < start {
		return nil
	}
	if stop >= len(members) {
		stop = len(members) - 1
	}
	return members[start : stop+1]
}

// ZScore returns member's score in the set at key.
func (c *MemoryCache) ZScore(_ context.Context, key, member string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.zsets[key]
	if !ok {
		return 0, false
	}
	score, ok := set[member]
	return score, ok
}

// ZCard returns the cardinality of the set at key.
func (c *MemoryCache) ZCard(_ context.Context, key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.zsets[key])
}

// ZCount reports members of the set at key with min < score <= max.
func (c *MemoryCache) ZCount(_ context.Context, key string, min, max float64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, score := range c.zsets[key] {
		if score > min && score <= max {
			count++
		}
	}
	return count
}

// Expire sets a TTL on the sorted set at key.
func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) {
	c.mu.Lock()
	c.expiry[key] = time.Now().Add(ttl)
	c.mu.Unlock()
}
