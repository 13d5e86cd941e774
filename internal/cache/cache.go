// Package cache holds the in-memory marker cache, the cheapest tier of the
// skip-eligibility checks. Losing it is always safe; the next tier catches up.
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MarkerCache maps ticket id to the last-observed remote version marker,
// bounded by an LRU eviction policy. Entirely non-durable.
type MarkerCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, string]
}

// New creates a MarkerCache holding at most limit entries.
func New(limit int) (*MarkerCache, error) {
	inner, err := lru.New[string, string](limit)
	if err != nil {
		return nil, fmt.Errorf("creating marker cache: %w", err)
	}
	return &MarkerCache{lru: inner}, nil
}

// CheckAndRefresh reports whether the stored marker for id equals marker
// exactly. On a match the entry is touched to most-recently-used; on a miss
// or mismatch the entry's recency is left alone. A match is a heuristic
// "nothing changed" signal, never a correctness requirement.
func (c *MarkerCache) CheckAndRefresh(id, marker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.lru.Peek(id)
	if !ok || stored != marker {
		return false
	}
	c.lru.Get(id) // touch
	return true
}

// Update unconditionally stores marker for id, moving the entry to
// most-recently-used and evicting the least-recently-used entry if the
// bound is exceeded.
func (c *MarkerCache) Update(id, marker string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(id, marker)
}

// Len returns the current number of entries.
func (c *MarkerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
