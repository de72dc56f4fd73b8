// ABOUTME: TTL cache of recently seen frame keys for echo suppression.
// ABOUTME: Prevents channel echoes of locally authored messages from re-applying.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited set of seen keys. The
// conversation store marks a key when it authors or reconciles a message, so
// the same logical message arriving back over the channel is skipped instead
// of displayed twice. Insertion order is kept in a list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
}

// New creates a cache with the given TTL and maximum size. Expired entries
// are evicted lazily on Mark, so no background goroutine is needed; a cache
// lives and dies with its session.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically checks whether a key has been seen and marks it if
// not. Returns true if the key was already seen (a duplicate).
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records a key as seen without checking it first.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Seen reports whether a key has been marked and is not expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && time.Since(entry.timestamp) < c.ttl
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	c.evictExpiredLocked(now)
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
}

// evictExpiredLocked removes expired entries from the front of the order
// list. Entries are ordered by last-mark time, so it stops at the first
// live one. Must be called with mu held.
func (c *Cache) evictExpiredLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry == nil || now.Sub(entry.timestamp) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
