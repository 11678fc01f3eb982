package storage

import (
	"bytes"

	"github.com/pkg/errors"
)

// STreeLeaf holds a run of positional slots.
type STreeLeaf struct {
	pageBase
	slots []Entry
}

func newSTreeLeaf(ctx *PageContext, stem, version int64, slots []Entry, resident bool) *STreeLeaf {
	l := &STreeLeaf{pageBase: pageBase{stem: stem, version: version}, slots: slots}
	newPageRef(ctx, l, resident)
	return l
}

func decodeSTreeLeaf(ref *PageRef, frame []byte) (Page, error) {
	var rec streeLeafRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, STreeType, true); err != nil {
		return nil, err
	}
	return &STreeLeaf{pageBase: pageBase{stem: rec.Stem, version: rec.Version}, slots: slotEntries(rec.Slots)}, nil
}

func (l *STreeLeaf) Type() TreeType { return STreeType }
func (l *STreeLeaf) IsLeaf() bool { return true }
func (l *STreeLeaf) Span() int64 { return int64(len(l.slots)) }
func (l *STreeLeaf) Arity() int { return len(l.slots) }
func (l *STreeLeaf) ChildCount() int { return 0 }
func (l *STreeLeaf) splittable() bool { return len(l.slots) > 1 }

func (l *STreeLeaf) Child(i int) *PageRef {
	panic(errors.Wrapf(ErrIndexOutOfRange, "leaf has no child %d", i))
}

// Slots returns the leaf's entries. The slice must not be modified.
func (l *STreeLeaf) Slots() []Entry {
	return l.slots
}

func (l *STreeLeaf) record() any {
	return streeLeafRecord{
		Tag:     pageTag(STreeType, true),
		Stem:    l.stem,
		Version: l.version,
		Slots:   entrySlots(l.slots),
	}
}

func (l *STreeLeaf) rebuilt(_ []*PageRef, version int64) Page {
	return &STreeLeaf{pageBase: pageBase{stem: l.stem, version: version}, slots: l.slots}
}

func (l *STreeLeaf) with(slots []Entry, version int64) *STreeLeaf {
	return newSTreeLeaf(l.ctx(), l.stem, version, slots, l.resident())
}

func (l *STreeLeaf) checkIndex(index int64, limit int) error {
	if index < 0 || index >= int64(limit) {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, len(l.slots))
	}
	return nil
}

func (l *STreeLeaf) Get(index int64) ([]byte, error) {
	e, err := l.GetEntry(index)
	return e.Value, err
}

func (l *STreeLeaf) GetEntry(index int64) (Entry, error) {
	if err := l.checkIndex(index, len(l.slots)); err != nil {
		return Entry{}, err
	}
	return l.slots[index], nil
}

func (l *STreeLeaf) LookupKey(key []byte) (int64, error) {
	for i, s := range l.slots {
		if bytes.Equal(s.Key, key) {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (l *STreeLeaf) Updated(index int64, value []byte, version int64) (STreePage, error) {
	if err := l.checkIndex(index, len(l.slots)); err != nil {
		return nil, err
	}
	slots := clone(l.slots)
	slots[index].Value = value
	return l.with(slots, version), nil
}

func (l *STreeLeaf) Inserted(index int64, key, value []byte, version int64) (STreePage, error) {
	if err := l.checkIndex(index, len(l.slots)+1); err != nil {
		return nil, err
	}
	return l.with(insertAt(l.slots, int(index), Entry{Key: key, Value: value}), version), nil
}

func (l *STreeLeaf) Removed(index int64, version int64) (STreePage, error) {
	if err := l.checkIndex(index, len(l.slots)); err != nil {
		return nil, err
	}
	return l.with(removeAt(l.slots, int(index)), version), nil
}

func (l *STreeLeaf) Drop(lower int64, version int64) (STreePage, error) {
	switch {
	case lower <= 0:
		return l, nil
	case lower >= int64(len(l.slots)):
		return l.with(nil, version), nil
	}
	return l.with(clone(l.slots[lower:]), version), nil
}

func (l *STreeLeaf) Take(upper int64, version int64) (STreePage, error) {
	switch {
	case upper >= int64(len(l.slots)):
		return l, nil
	case upper <= 0:
		return l.with(nil, version), nil
	}
	return l.with(clone(l.slots[:upper]), version), nil
}

func (l *STreeLeaf) Reduced(identity []byte, acc Accumulator, _ Combiner, _ int64) (STreePage, error) {
	if l.ref.hasFold {
		return l, nil
	}
	fold := identity
	for _, s := range l.slots {
		fold = acc(fold, s.Value)
	}
	return withFold(l, fold).(STreePage), nil
}

func (l *STreeLeaf) Balanced(version int64) (STreePage, error) {
	if !pageShouldSplit(l) {
		return l, nil
	}
	left, right := l.Split(len(l.slots)/2, version)
	return newSTreeNode(l.ctx(), l.stem, version, []*PageRef{left.Ref(), right.Ref()}, l.resident()), nil
}

func (l *STreeLeaf) Split(x int, version int64) (STreePage, STreePage) {
	return l.with(clone(l.slots[:x]), version), l.with(clone(l.slots[x:]), version)
}

func (l *STreeLeaf) merged(sibling STreePage, version int64) (STreePage, bool) {
	r, ok := sibling.(*STreeLeaf)
	if !ok {
		return nil, false
	}
	slots := make([]Entry, 0, len(l.slots)+len(r.slots))
	slots = append(slots, l.slots...)
	slots = append(slots, r.slots...)
	return l.with(slots, version), true
}
