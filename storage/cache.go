package storage

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const doorkeeperFPR = 0.01

// PageCache keeps recently used weak pages alive. Refs live in a small
// number of generations; touching a ref moves it to the youngest one, and
// when the youngest fills up the oldest generation is dropped wholesale and
// its refs are evicted.
//
// Admission goes through a bloom filter doorkeeper. A ref seen for the
// first time is only recorded, and is admitted the next time it's touched.
type PageCache struct {
	mu    sync.Mutex
	size  int
	gens  []map[*PageRef]struct{}
	door  *bloom.BloomFilter
	stats *CacheStats
}

// NewPageCache creates a cache holding up to size refs per generation.
func NewPageCache(size, generations int, stats *CacheStats) *PageCache {
	if size < 1 {
		size = 1
	}
	if generations < 2 {
		generations = 2
	}
	if stats == nil {
		stats = &CacheStats{}
	}
	c := &PageCache{
		size:  size,
		gens:  make([]map[*PageRef]struct{}, generations),
		door:  bloom.NewWithEstimates(uint(size), doorkeeperFPR),
		stats: stats,
	}
	for i := range c.gens {
		c.gens[i] = make(map[*PageRef]struct{}, size)
	}
	return c
}

// Touch records an access to ref and reports whether the cache holds it.
// Forced touches skip the doorkeeper.
func (c *PageCache) Touch(ref *PageRef, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Already in the young generation
	if _, ok := c.gens[0][ref]; ok {
		return true
	}

	// Promote from an older generation
	found := false
	for _, g := range c.gens[1:] {
		if _, ok := g[ref]; ok {
			delete(g, ref)
			found = true
			break
		}
	}

	// New refs have to get past the doorkeeper
	if !found && !force {
		key := cacheKey(ref)
		if !c.door.TestAndAdd(key) {
			return false
		}
	}

	c.gens[0][ref] = struct{}{}
	if len(c.gens[0]) >= c.size {
		c.rotate()
	}
	return true
}

// Len returns the number of refs held across all generations.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, g := range c.gens {
		n += len(g)
	}
	return n
}

// Clear evicts every held ref.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, g := range c.gens {
		c.evict(g)
		c.gens[i] = make(map[*PageRef]struct{}, c.size)
	}
	c.door.ClearAll()
}

// rotate drops the oldest generation and opens a new young one.
func (c *PageCache) rotate() {
	last := len(c.gens) - 1
	c.evict(c.gens[last])
	copy(c.gens[1:], c.gens[:last])
	c.gens[0] = make(map[*PageRef]struct{}, c.size)
	c.door.ClearAll()
}

func (c *PageCache) evict(g map[*PageRef]struct{}) {
	for ref := range g {
		if ref.evict() {
			c.stats.evictions.Add(1)
		}
	}
}

func cacheKey(ref *PageRef) []byte {
	var b [20]byte
	binary.BigEndian.PutUint64(b[0:], uint64(ref.stem))
	binary.BigEndian.PutUint32(b[8:], uint32(ref.zone))
	binary.BigEndian.PutUint64(b[12:], uint64(ref.base))
	return b[:]
}
