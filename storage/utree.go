package storage

import (
	"github.com/pkg/errors"
)

// UTreeLeaf is the single page of a U-tree.
type UTreeLeaf struct {
	pageBase
	value []byte
}

func newUTreeLeaf(ctx *PageContext, stem, version int64, value []byte, resident bool) *UTreeLeaf {
	l := &UTreeLeaf{pageBase: pageBase{stem: stem, version: version}, value: value}
	newPageRef(ctx, l, resident)
	return l
}

func decodeUTreeLeaf(ref *PageRef, frame []byte) (Page, error) {
	if !ref.leaf {
		return nil, errors.New("utree pages are always leaves")
	}
	var rec utreeLeafRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, UTreeType, true); err != nil {
		return nil, err
	}
	return &UTreeLeaf{pageBase: pageBase{stem: rec.Stem, version: rec.Version}, value: rec.Value}, nil
}

func (l *UTreeLeaf) Type() TreeType { return UTreeType }
func (l *UTreeLeaf) IsLeaf() bool { return true }
func (l *UTreeLeaf) Span() int64 { return 1 }
func (l *UTreeLeaf) Arity() int { return 1 }
func (l *UTreeLeaf) ChildCount() int { return 0 }
func (l *UTreeLeaf) splittable() bool { return false }

func (l *UTreeLeaf) Child(i int) *PageRef {
	panic(errors.Wrapf(ErrIndexOutOfRange, "leaf has no child %d", i))
}

// Value returns the cell's value.
func (l *UTreeLeaf) Value() []byte {
	return l.value
}

func (l *UTreeLeaf) record() any {
	return utreeLeafRecord{
		Tag:     pageTag(UTreeType, true),
		Stem:    l.stem,
		Version: l.version,
		Value:   l.value,
	}
}

func (l *UTreeLeaf) rebuilt(_ []*PageRef, version int64) Page {
	return &UTreeLeaf{pageBase: pageBase{stem: l.stem, version: version}, value: l.value}
}

// UTree is an immutable single-value cell.
type UTree struct {
	treeBase
}

// NewUTree creates a U-tree holding a nil value.
func NewUTree(ctx *PageContext, stem, version int64, opts TreeOptions) *UTree {
	root := newUTreeLeaf(ctx, stem, version, nil, opts.Resident)
	return &UTree{treeBase: newTreeBase(UTreeType, root.Ref(), opts)}
}

func (t *UTree) rebuilt(seed Seed) Tree {
	return &UTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *UTree) root() (*UTreeLeaf, error) {
	p, err := t.seed.Root.Page()
	if err != nil {
		return nil, err
	}
	l, ok := p.(*UTreeLeaf)
	if !ok {
		return nil, corruptError(t.seed.Root.String(), errors.Wrap(ErrTreeType, "expected a utree page"))
	}
	return l, nil
}

func (t *UTree) Get() ([]byte, error) {
	l, err := t.root()
	if err != nil {
		return nil, err
	}
	return l.value, nil
}

func (t *UTree) Updated(value []byte, version int64) *UTree {
	root := newUTreeLeaf(t.seed.Root.ctx, t.seed.Stem, version, value, t.resident)
	seed := t.seed
	seed.Root = root.Ref()
	return &UTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}
