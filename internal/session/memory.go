package session

import (
	"context"
	"sync"

	"stridenotes/services/activitycache/internal/store"
)

// MemoryCache is the fallback when Redis is unreachable: plain map semantics,
// no TTL, cleared only by process restart.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[int64]store.Activity
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[int64]store.Activity)}
}

func (c *MemoryCache) Get(_ context.Context, id int64) (*store.Activity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	activity, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return &activity, true
}

func (c *MemoryCache) Put(_ context.Context, activity *store.Activity) {
	if activity == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[activity.ID] = *activity
}

func (c *MemoryCache) Close() error {
	return nil
}
