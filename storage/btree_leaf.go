package storage

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// BTreeLeaf holds key ordered slots.
type BTreeLeaf struct {
	pageBase
	slots []Entry
}

func newBTreeLeaf(ctx *PageContext, stem, version int64, slots []Entry, resident bool) *BTreeLeaf {
	l := &BTreeLeaf{pageBase: pageBase{stem: stem, version: version}, slots: slots}
	newPageRef(ctx, l, resident)
	return l
}

func decodeBTreeLeaf(ref *PageRef, frame []byte) (Page, error) {
	var rec btreeLeafRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, BTreeType, true); err != nil {
		return nil, err
	}
	slots := slotEntries(rec.Slots)
	for i := 1; i < len(slots); i++ {
		if bytes.Compare(slots[i-1].Key, slots[i].Key) >= 0 {
			return nil, errors.Errorf("leaf keys out of order at slot %d", i)
		}
	}
	return &BTreeLeaf{pageBase: pageBase{stem: rec.Stem, version: rec.Version}, slots: slots}, nil
}

func (l *BTreeLeaf) Type() TreeType { return BTreeType }
func (l *BTreeLeaf) IsLeaf() bool { return true }
func (l *BTreeLeaf) Span() int64 { return int64(len(l.slots)) }
func (l *BTreeLeaf) Arity() int { return len(l.slots) }
func (l *BTreeLeaf) ChildCount() int { return 0 }
func (l *BTreeLeaf) splittable() bool { return len(l.slots) > 1 }

func (l *BTreeLeaf) Child(i int) *PageRef {
	panic(errors.Wrapf(ErrIndexOutOfRange, "leaf has no child %d", i))
}

// Slots returns the leaf's entries. The slice must not be modified.
func (l *BTreeLeaf) Slots() []Entry {
	return l.slots
}

func (l *BTreeLeaf) record() any {
	return btreeLeafRecord{
		Tag:     pageTag(BTreeType, true),
		Stem:    l.stem,
		Version: l.version,
		Slots:   entrySlots(l.slots),
	}
}

func (l *BTreeLeaf) rebuilt(_ []*PageRef, version int64) Page {
	return &BTreeLeaf{pageBase: pageBase{stem: l.stem, version: version}, slots: l.slots}
}

func (l *BTreeLeaf) with(slots []Entry, version int64) *BTreeLeaf {
	return newBTreeLeaf(l.ctx(), l.stem, version, slots, l.resident())
}

// search returns the slot index of key, or where it would be inserted.
func (l *BTreeLeaf) search(key []byte) (int, bool) {
	i := sort.Search(len(l.slots), func(i int) bool {
		return bytes.Compare(l.slots[i].Key, key) >= 0
	})
	return i, i < len(l.slots) && bytes.Equal(l.slots[i].Key, key)
}

func (l *BTreeLeaf) MinKey() ([]byte, error) {
	if len(l.slots) == 0 {
		return nil, nil
	}
	return l.slots[0].Key, nil
}

func (l *BTreeLeaf) Get(key []byte) ([]byte, bool, error) {
	if i, ok := l.search(key); ok {
		return l.slots[i].Value, true, nil
	}
	return nil, false, nil
}

func (l *BTreeLeaf) IndexOf(key []byte) (int64, error) {
	i, ok := l.search(key)
	if ok {
		return int64(i), nil
	}
	return -int64(i) - 1, nil
}

func (l *BTreeLeaf) GetIndex(index int64) (Entry, error) {
	if index < 0 || index >= int64(len(l.slots)) {
		return Entry{}, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, len(l.slots))
	}
	return l.slots[index], nil
}

func (l *BTreeLeaf) FirstEntry() (Entry, bool, error) {
	if len(l.slots) == 0 {
		return Entry{}, false, nil
	}
	return l.slots[0], true, nil
}

func (l *BTreeLeaf) LastEntry() (Entry, bool, error) {
	if len(l.slots) == 0 {
		return Entry{}, false, nil
	}
	return l.slots[len(l.slots)-1], true, nil
}

func (l *BTreeLeaf) NextEntry(key []byte) (Entry, bool, error) {
	i, ok := l.search(key)
	if ok {
		i++
	}
	if i < len(l.slots) {
		return l.slots[i], true, nil
	}
	return Entry{}, false, nil
}

func (l *BTreeLeaf) PreviousEntry(key []byte) (Entry, bool, error) {
	i, _ := l.search(key)
	if i > 0 {
		return l.slots[i-1], true, nil
	}
	return Entry{}, false, nil
}

func (l *BTreeLeaf) Updated(key, value []byte, version int64) (BTreePage, error) {
	i, ok := l.search(key)
	if ok {
		slots := clone(l.slots)
		slots[i] = Entry{Key: key, Value: value}
		return l.with(slots, version), nil
	}
	return l.with(insertAt(l.slots, i, Entry{Key: key, Value: value}), version), nil
}

func (l *BTreeLeaf) Removed(key []byte, version int64) (BTreePage, error) {
	i, ok := l.search(key)
	if !ok {
		return l, nil
	}
	return l.with(removeAt(l.slots, i), version), nil
}

func (l *BTreeLeaf) Drop(lower int64, version int64) (BTreePage, error) {
	switch {
	case lower <= 0:
		return l, nil
	case lower >= int64(len(l.slots)):
		return l.with(nil, version), nil
	}
	return l.with(clone(l.slots[lower:]), version), nil
}

func (l *BTreeLeaf) Take(upper int64, version int64) (BTreePage, error) {
	switch {
	case upper >= int64(len(l.slots)):
		return l, nil
	case upper <= 0:
		return l.with(nil, version), nil
	}
	return l.with(clone(l.slots[:upper]), version), nil
}

func (l *BTreeLeaf) Reduced(identity []byte, acc Accumulator, _ Combiner, _ int64) (BTreePage, error) {
	if l.ref.hasFold {
		return l, nil
	}
	fold := identity
	for _, s := range l.slots {
		fold = acc(fold, s.Value)
	}
	return withFold(l, fold).(BTreePage), nil
}

func (l *BTreeLeaf) Balanced(version int64) (BTreePage, error) {
	if !pageShouldSplit(l) {
		return l, nil
	}
	left, right, knot := l.Split(len(l.slots)/2, version)
	return newBTreeNode(l.ctx(), l.stem, version, []*PageRef{left.Ref(), right.Ref()}, [][]byte{knot}, l.resident()), nil
}

func (l *BTreeLeaf) Split(x int, version int64) (BTreePage, BTreePage, []byte) {
	left := l.with(clone(l.slots[:x]), version)
	right := l.with(clone(l.slots[x:]), version)
	return left, right, l.slots[x].Key
}

func (l *BTreeLeaf) merged(sibling BTreePage, _ []byte, version int64) (BTreePage, bool) {
	r, ok := sibling.(*BTreeLeaf)
	if !ok {
		return nil, false
	}
	slots := make([]Entry, 0, len(l.slots)+len(r.slots))
	slots = append(slots, l.slots...)
	slots = append(slots, r.slots...)
	return l.with(slots, version), true
}
