// Package cache provides a byte-budgeted LRU over decoded block
// plaintexts. Hot blocks skip the decrypt and decompress on repeat
// reads.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/sbstp/nightshift/pkg/codec"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Entries   int   // Current number of entries
	UsedBytes int64 // Bytes currently held
	Budget    int64 // Byte budget
	Evictions int64 // Number of evicted entries
}

// Cache is a threadsafe LRU keyed by block digest, bounded by total
// payload bytes rather than entry count. A nil *Cache is valid and
// caches nothing.
type Cache struct {
	mu     sync.Mutex
	ll     *list.List
	items  map[codec.Digest]*list.Element
	budget int64
	used   int64
	stats  Stats
}

type entry struct {
	digest codec.Digest
	data   []byte
}

// DefaultBudget is the byte budget used when none is configured.
const DefaultBudget int64 = 64 << 20

// New returns a cache with the given byte budget.
func New(budget int64) *Cache {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Cache{
		ll:     list.New(),
		items:  make(map[codec.Digest]*list.Element),
		budget: budget,
	}
}

// Get retrieves the plaintext for digest if cached. The returned slice
// is shared; callers must not modify it.
func (c *Cache) Get(digest codec.Digest) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[digest]; ok {
		c.ll.MoveToFront(ele)
		atomic.AddInt64(&c.stats.Hits, 1)
		return ele.Value.(*entry).data, true
	}
	atomic.AddInt64(&c.stats.Misses, 1)
	return nil, false
}

// Set inserts the plaintext for digest, evicting least-recently-used
// entries until the budget holds. Payloads larger than the whole
// budget are not cached. The cache takes ownership of data.
func (c *Cache) Set(digest codec.Digest, data []byte) {
	if c == nil || int64(len(data)) > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[digest]; ok {
		// Same digest means same content; just refresh recency.
		c.ll.MoveToFront(ele)
		return
	}
	for c.used+int64(len(data)) > c.budget {
		c.evictOldest()
	}
	ele := c.ll.PushFront(&entry{digest: digest, data: data})
	c.items[digest] = ele
	c.used += int64(len(data))
}

// Delete removes the entry for digest if present. The sweeper calls
// this when it reclaims a payload.
func (c *Cache) Delete(digest codec.Digest) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[digest]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.items = make(map[codec.Digest]*list.Element)
	c.used = 0
}

func (c *Cache) evictOldest() {
	ele := c.ll.Back()
	if ele == nil {
		return
	}
	c.removeElement(ele)
	atomic.AddInt64(&c.stats.Evictions, 1)
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry)
	delete(c.items, ent.digest)
	c.used -= int64(len(ent.data))
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      atomic.LoadInt64(&c.stats.Hits),
		Misses:    atomic.LoadInt64(&c.stats.Misses),
		Entries:   c.ll.Len(),
		UsedBytes: c.used,
		Budget:    c.budget,
		Evictions: atomic.LoadInt64(&c.stats.Evictions),
	}
}
