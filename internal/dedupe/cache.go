// ABOUTME: TTL cache remembering which alert keys were already announced
// ABOUTME: Backs the matrix bridge's exactly-once delivery of CDR and cluster notices

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry pairs a key's last sighting with its position in the eviction order.
type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers recently announced keys so a poll loop can replay
// overlapping windows without double-announcing. A key expires once it has
// been absent for the TTL; when the cache is full the oldest key is evicted
// first.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at the front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen reports whether the key showed up within the TTL, and marks it either
// way. Check and mark are one atomic step: of any number of concurrent
// callers for a new key, exactly one gets false. A hit refreshes the key, so
// entries stay suppressed for as long as they keep appearing in the window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && time.Since(e.at) < c.ttl {
		e.at = time.Now()
		c.order.MoveToBack(e.elem)
		return true
	}
	c.mark(key)
	return false
}

// mark records the key, evicting the oldest entry when full. Caller holds mu.
func (c *Cache) mark(key string) {
	if e, ok := c.seen[key]; ok {
		e.at = time.Now()
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}

	c.seen[key] = &entry{at: time.Now(), elem: c.order.PushBack(key)}
}

// sweep drops expired entries once a minute until Close.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.at) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
