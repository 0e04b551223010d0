package store

import (
	"sync"
	"time"
)

// stateCache is the read-through cache fronting LoadState. Entries live for a
// few seconds; every successful mutation invalidates the project's entry
// before returning, so staleness is bounded by the TTL during quiet polling
// and by zero immediately after a write this process performed.
type stateCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]stateEntry
	now     func() time.Time
}

type stateEntry struct {
	state   *State
	expires time.Time
}

func newStateCache(ttl time.Duration) *stateCache {
	return &stateCache{
		ttl:     ttl,
		entries: make(map[string]stateEntry),
		now:     time.Now,
	}
}

func (c *stateCache) get(projectID string) (*State, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[projectID]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	cp := *entry.state
	return &cp, true
}

func (c *stateCache) set(projectID string, state *State) {
	if c == nil || c.ttl <= 0 || state == nil {
		return
	}
	cp := *state
	c.mu.Lock()
	c.entries[projectID] = stateEntry{state: &cp, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *stateCache) invalidate(projectID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, projectID)
	c.mu.Unlock()
}
