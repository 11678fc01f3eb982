package storage

import (
	"sync"

	"github.com/google/btree"
)

// zoneIndex is the ordered set of a store's zones.
type zoneIndex struct {
	mu    sync.RWMutex
	zones *btree.BTreeG[*Zone]
}

func newZoneIndex() *zoneIndex {
	return &zoneIndex{
		zones: btree.NewG(4, func(a, b *Zone) bool { return a.id < b.id }),
	}
}

func (x *zoneIndex) insert(z *Zone) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.zones.ReplaceOrInsert(z)
}

func (x *zoneIndex) remove(z *Zone) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.zones.Delete(z)
}

func (x *zoneIndex) get(id int32) (*Zone, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.zones.Get(&Zone{id: id})
}

// latest returns the zone with the highest id.
func (x *zoneIndex) latest() (*Zone, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.zones.Max()
}

func (x *zoneIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.zones.Len()
}

// all returns every zone in id order.
func (x *zoneIndex) all() []*Zone {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Zone, 0, x.zones.Len())
	x.zones.Ascend(func(z *Zone) bool {
		out = append(out, z)
		return true
	})
	return out
}

// below returns the zones with ids less than post.
func (x *zoneIndex) below(post int32) []*Zone {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*Zone
	x.zones.AscendLessThan(&Zone{id: post}, func(z *Zone) bool {
		out = append(out, z)
		return true
	})
	return out
}

// size sums the sizes of every zone.
func (x *zoneIndex) size() int64 {
	var n int64
	for _, z := range x.all() {
		n += z.Size()
	}
	return n
}
