package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const janitorInterval = 10 * time.Minute

// MemoryCache is a process-local dedup cache. Records vanish on restart,
// which only widens the duplicate window; the broker's redelivery handles
// the rest.
type MemoryCache struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache builds a memory cache evicting records older than window.
func NewMemoryCache(window time.Duration) *MemoryCache {
	cache := &MemoryCache{
		window:  window,
		now:     time.Now,
		entries: make(map[uuid.UUID]time.Time),
		stop:    make(chan struct{}),
	}
	go cache.janitor()
	return cache
}

// Seen implements Cache.
func (c *MemoryCache) Seen(_ context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	firstSeen, ok := c.entries[id]
	if !ok {
		return false, nil
	}
	if c.now().Sub(firstSeen) > c.window {
		delete(c.entries, id)
		return false, nil
	}
	return true, nil
}

// Record implements Cache. The first-seen timestamp is preserved on
// repeated records so the window never silently extends.
func (c *MemoryCache) Record(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		c.entries[id] = c.now()
	}
	return nil
}

// Close stops the eviction janitor.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Len returns the number of live records.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *MemoryCache) evictExpired() {
	cutoff := c.now().Add(-c.window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, firstSeen := range c.entries {
		if firstSeen.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}
