package cache

import (
	"cmp"
	"container/list"
	"expvar"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[K cmp.Ordered, V any] struct {
	key   K
	value V
}

// LRUCache is a fixed-size LRU cache over ordered keys. Besides exact
// lookups it answers floor queries (greatest key not above a bound), which
// the WAL uses to find the nearest supplier checkpoint before a version.
type LRUCache[K cmp.Ordered, V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[K]*list.Element
	onEvicted  func(key K, value V) // Optional callback on eviction or removal

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRUCache creates a cache holding at most capacity entries. A capacity of
// zero or less disables the cache: Put drops everything and Get misses.
func NewLRUCache[K cmp.Ordered, V any](capacity int, onEvicted func(key K, value V)) *LRUCache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[K, V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
		onEvicted:  onEvicted,
	}
}

func (c *LRUCache[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

func (c *LRUCache[K, V]) hit(elem *list.Element) V {
	if c.hits != nil {
		c.hits.Add(1)
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*cacheEntry[K, V]).value
}

func (c *LRUCache[K, V]) miss() {
	if c.misses != nil {
		c.misses.Add(1)
	}
}

// Get retrieves a value from the cache.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, ok := c.cacheItems[key]; ok {
		return c.hit(elem), true
	}
	c.miss()
	return value, false
}

// Floor returns the entry with the greatest key that is <= bound.
func (c *LRUCache[K, V]) Floor(bound K) (key K, value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return key, value, false
	}
	if elem, found := c.cacheItems[bound]; found {
		return bound, c.hit(elem), true
	}
	var best *list.Element
	for k, elem := range c.cacheItems {
		if k <= bound && (best == nil || k > best.Value.(*cacheEntry[K, V]).key) {
			best = elem
		}
	}
	if best == nil {
		c.miss()
		return key, value, false
	}
	return best.Value.(*cacheEntry[K, V]).key, c.hit(best), true
}

// Put adds a value to the cache.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[K, V]).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evict()
	}
	c.cacheItems[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value})
}

// Remove deletes key and reports whether it was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// RemoveIf deletes every entry matching pred and returns how many went.
func (c *LRUCache[K, V]) RemoveIf(pred func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for elem := c.lruList.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*cacheEntry[K, V])
		if pred(e.key, e.value) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the current number of items in the cache.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *LRUCache[K, V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	entry := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.cacheItems, entry.key)
	if c.onEvicted != nil {
		c.onEvicted(entry.key, entry.value)
	}
}

// Clear removes all entries from the cache and resets its metrics.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry[K, V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[K]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate.
func (c *LRUCache[K, V]) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
