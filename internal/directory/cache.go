package directory

import (
	"container/list"
	"sync"
	"time"
)

// entry is a cached value with its expiry and LRU bookkeeping.
type entry[V any] struct {
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// ttlCache is a generic TTL cache with LRU eviction above maxSize. All
// methods are safe for concurrent use. A zero maxSize means unbounded.
type ttlCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	order   *list.List // front = most recently used, values are K
	ttl     time.Duration
	maxSize int

	stopOnce sync.Once
	stop     chan struct{}
}

func newTTLCache[K comparable, V any](ttl time.Duration, maxSize int, cleanupInterval time.Duration) *ttlCache[K, V] {
	c := &ttlCache[K, V]{
		entries: make(map[K]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Get returns the cached value for key and whether it was present and fresh.
// A hit refreshes the key's LRU position but not its expiry.
func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(key, e)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Set stores value under key for the cache TTL, evicting the least recently
// used entry when the size cap is exceeded.
func (c *ttlCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}
	e := &entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	e.elem = c.order.PushFront(key)
	c.entries[key] = e
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		if back := c.order.Back(); back != nil {
			oldest := back.Value.(K)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}
}

// Delete removes key if present.
func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// DeleteFunc removes every key for which match returns true.
func (c *ttlCache[K, V]) DeleteFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if match(key) {
			c.removeLocked(key, e)
		}
	}
}

// Len returns the number of entries, including any not yet swept.
func (c *ttlCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background cleanup goroutine. Idempotent.
func (c *ttlCache[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ttlCache[K, V]) removeLocked(key K, e *entry[V]) {
	c.order.Remove(e.elem)
	delete(c.entries, key)
}

func (c *ttlCache[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					c.removeLocked(key, e)
				}
			}
			c.mu.Unlock()
		}
	}
}
