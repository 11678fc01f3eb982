package storage

import (
	"bytes"
	"cmp"
	"sort"

	"github.com/a-poor/zonedb/bitinterval"
	"github.com/pkg/errors"
)

// QTreeLeaf holds entries ordered by key and tile.
type QTreeLeaf struct {
	pageBase
	slots []QEntry
	x, y  uint64
}

func newQTreeLeaf(ctx *PageContext, stem, version int64, slots []QEntry, resident bool) *QTreeLeaf {
	l := &QTreeLeaf{pageBase: pageBase{stem: stem, version: version}, slots: slots}
	l.x, l.y = slotExtent(slots)
	newPageRef(ctx, l, resident)
	return l
}

func decodeQTreeLeaf(ref *PageRef, frame []byte) (Page, error) {
	var rec qtreeLeafRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, QTreeType, true); err != nil {
		return nil, err
	}
	slots := make([]QEntry, len(rec.Slots))
	for i, s := range rec.Slots {
		slots[i] = QEntry{Key: s.Key, X: s.X, Y: s.Y, Value: s.Value}
		if i > 0 && compareQEntry(slots[i-1], slots[i].Key, s.X, s.Y) >= 0 {
			return nil, errors.Errorf("leaf slots out of order at slot %d", i)
		}
	}
	l := &QTreeLeaf{pageBase: pageBase{stem: rec.Stem, version: rec.Version}, slots: slots}
	l.x, l.y = slotExtent(slots)
	if l.x != rec.X || l.y != rec.Y {
		return nil, errors.New("leaf extent does not match its slots")
	}
	return l, nil
}

func slotExtent(slots []QEntry) (x, y uint64) {
	for i, s := range slots {
		if i == 0 {
			x, y = s.X, s.Y
			continue
		}
		x = bitinterval.Union(x, s.X)
		y = bitinterval.Union(y, s.Y)
	}
	return x, y
}

func compareQEntry(e QEntry, key []byte, x, y uint64) int {
	if c := bytes.Compare(e.Key, key); c != 0 {
		return c
	}
	if c := cmp.Compare(e.X, x); c != 0 {
		return c
	}
	return cmp.Compare(e.Y, y)
}

func (l *QTreeLeaf) Type() TreeType { return QTreeType }
func (l *QTreeLeaf) IsLeaf() bool { return true }
func (l *QTreeLeaf) Span() int64 { return int64(len(l.slots)) }
func (l *QTreeLeaf) Arity() int { return len(l.slots) }
func (l *QTreeLeaf) ChildCount() int { return 0 }
func (l *QTreeLeaf) splittable() bool { return len(l.slots) > 1 }
func (l *QTreeLeaf) extent() (x, y uint64) { return l.x, l.y }

func (l *QTreeLeaf) Child(i int) *PageRef {
	panic(errors.Wrapf(ErrIndexOutOfRange, "leaf has no child %d", i))
}

// Slots returns the leaf's entries. The slice must not be modified.
func (l *QTreeLeaf) Slots() []QEntry {
	return l.slots
}

func (l *QTreeLeaf) record() any {
	slots := make([]qslotRecord, len(l.slots))
	for i, s := range l.slots {
		slots[i] = qslotRecord{Key: s.Key, X: s.X, Y: s.Y, Value: s.Value}
	}
	return qtreeLeafRecord{
		Tag:     pageTag(QTreeType, true),
		Stem:    l.stem,
		Version: l.version,
		X:       l.x,
		Y:       l.y,
		Slots:   slots,
	}
}

func (l *QTreeLeaf) rebuilt(_ []*PageRef, version int64) Page {
	return &QTreeLeaf{pageBase: pageBase{stem: l.stem, version: version}, slots: l.slots, x: l.x, y: l.y}
}

func (l *QTreeLeaf) with(slots []QEntry, version int64) *QTreeLeaf {
	return newQTreeLeaf(l.ctx(), l.stem, version, slots, l.resident())
}

func (l *QTreeLeaf) search(key []byte, x, y uint64) (int, bool) {
	i := sort.Search(len(l.slots), func(i int) bool {
		return compareQEntry(l.slots[i], key, x, y) >= 0
	})
	return i, i < len(l.slots) && compareQEntry(l.slots[i], key, x, y) == 0
}

func (l *QTreeLeaf) Get(key []byte, x, y uint64) ([]byte, bool, error) {
	if i, ok := l.search(key, x, y); ok {
		return l.slots[i].Value, true, nil
	}
	return nil, false, nil
}

func (l *QTreeLeaf) Updated(key []byte, x, y uint64, value []byte, version int64) (QTreePage, error) {
	e := QEntry{Key: key, X: x, Y: y, Value: value}
	i, ok := l.search(key, x, y)
	if ok {
		slots := clone(l.slots)
		slots[i] = e
		return l.with(slots, version), nil
	}
	return l.with(insertAt(l.slots, i, e), version), nil
}

func (l *QTreeLeaf) Removed(key []byte, x, y uint64, version int64) (QTreePage, error) {
	i, ok := l.search(key, x, y)
	if !ok {
		return l, nil
	}
	return l.with(removeAt(l.slots, i), version), nil
}

func (l *QTreeLeaf) Reduced(identity []byte, acc Accumulator, _ Combiner, _ int64) (QTreePage, error) {
	if l.ref.hasFold {
		return l, nil
	}
	fold := identity
	for _, s := range l.slots {
		fold = acc(fold, s.Value)
	}
	return withFold(l, fold).(QTreePage), nil
}

func (l *QTreeLeaf) Balanced(version int64) (QTreePage, error) {
	if !pageShouldSplit(l) {
		return l, nil
	}
	pieces := l.split(version)
	if len(pieces) < 2 {
		return l, nil
	}
	return newQTreeNode(l.ctx(), l.stem, version, pieces, l.resident()), nil
}

func (l *QTreeLeaf) split(version int64) []*PageRef {
	tiles := make([]tile, len(l.slots))
	for i, s := range l.slots {
		tiles[i] = tile{s.X, s.Y}
	}
	groups := groupTiles(tiles, false)
	pieces := make([]*PageRef, len(groups))
	for i, g := range groups {
		slots := make([]QEntry, len(g))
		for j, k := range g {
			slots[j] = l.slots[k]
		}
		pieces[i] = l.with(slots, version).Ref()
	}
	return pieces
}

func (l *QTreeLeaf) merged(sibling QTreePage, version int64) (QTreePage, bool) {
	r, ok := sibling.(*QTreeLeaf)
	if !ok {
		return nil, false
	}

	// Merge the two sorted slot lists
	slots := make([]QEntry, 0, len(l.slots)+len(r.slots))
	i, j := 0, 0
	for i < len(l.slots) && j < len(r.slots) {
		b := r.slots[j]
		if compareQEntry(l.slots[i], b.Key, b.X, b.Y) <= 0 {
			slots = append(slots, l.slots[i])
			i++
		} else {
			slots = append(slots, b)
			j++
		}
	}
	slots = append(slots, l.slots[i:]...)
	slots = append(slots, r.slots[j:]...)
	return l.with(slots, version), true
}
