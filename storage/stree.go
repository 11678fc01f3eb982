package storage

import (
	"github.com/pkg/errors"
)

// STreePage is a page of a positional list.
type STreePage interface {
	Page

	Get(index int64) ([]byte, error)
	GetEntry(index int64) (Entry, error)
	// LookupKey returns the index of the slot with the identity key, or
	// -1. It scans every page.
	LookupKey(key []byte) (int64, error)

	Updated(index int64, value []byte, version int64) (STreePage, error)
	// Inserted puts a slot before index. Inserting at Span appends.
	Inserted(index int64, key, value []byte, version int64) (STreePage, error)
	Removed(index int64, version int64) (STreePage, error)
	Drop(lower int64, version int64) (STreePage, error)
	Take(upper int64, version int64) (STreePage, error)
	Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (STreePage, error)
	Balanced(version int64) (STreePage, error)
	Split(x int, version int64) (STreePage, STreePage)

	merged(sibling STreePage, version int64) (STreePage, bool)
}

func loadSTreePage(r *PageRef) (STreePage, error) {
	p, err := r.Page()
	if err != nil {
		return nil, err
	}
	sp, ok := p.(STreePage)
	if !ok {
		return nil, corruptError(r.String(), errors.Wrap(ErrTreeType, "expected an stree page"))
	}
	return sp, nil
}

// STree is an immutable list of values, each carrying an identity key
// that follows it as other slots are inserted and removed.
type STree struct {
	treeBase
}

// NewSTree creates an empty, uncommitted S-tree.
func NewSTree(ctx *PageContext, stem, version int64, opts TreeOptions) *STree {
	root := newSTreeLeaf(ctx, stem, version, nil, opts.Resident)
	return &STree{treeBase: newTreeBase(STreeType, root.Ref(), opts)}
}

func (t *STree) rebuilt(seed Seed) Tree {
	return &STree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *STree) root() (STreePage, error) {
	return loadSTreePage(t.seed.Root)
}

func (t *STree) withRoot(p STreePage) *STree {
	if p.Ref() == t.seed.Root {
		return t
	}
	seed := t.seed
	seed.Root = p.Ref()
	return &STree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *STree) Get(index int64) ([]byte, error) {
	root, err := t.root()
	if err != nil {
		return nil, err
	}
	return root.Get(index)
}

func (t *STree) GetEntry(index int64) (Entry, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, err
	}
	return root.GetEntry(index)
}

func (t *STree) LookupKey(key []byte) (int64, error) {
	root, err := t.root()
	if err != nil {
		return -1, err
	}
	return root.LookupKey(key)
}

func (t *STree) Updated(index int64, value []byte, version int64) (*STree, error) {
	return t.apply(version, func(root STreePage) (STreePage, error) {
		return root.Updated(index, value, version)
	})
}

// Inserted puts a value before index under the given identity key. A nil
// key gets a freshly generated one.
func (t *STree) Inserted(index int64, key, value []byte, version int64) (*STree, error) {
	if key == nil {
		var err error
		if key, err = NewIdentityKey(); err != nil {
			return nil, err
		}
	}
	return t.apply(version, func(root STreePage) (STreePage, error) {
		return root.Inserted(index, key, value, version)
	})
}

// Appended inserts at the end of the list.
func (t *STree) Appended(key, value []byte, version int64) (*STree, error) {
	return t.Inserted(t.Span(), key, value, version)
}

func (t *STree) Removed(index int64, version int64) (*STree, error) {
	return t.apply(version, func(root STreePage) (STreePage, error) {
		return root.Removed(index, version)
	})
}

// Moved relocates the slot at from so it ends up at index to.
func (t *STree) Moved(from, to int64, version int64) (*STree, error) {
	if from == to {
		return t, nil
	}
	e, err := t.GetEntry(from)
	if err != nil {
		return nil, err
	}
	if to < 0 || to >= t.Span() {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", to, t.Span())
	}
	r, err := t.Removed(from, version)
	if err != nil {
		return nil, err
	}
	return r.Inserted(to, e.Key, e.Value, version)
}

func (t *STree) Drop(lower int64, version int64) (*STree, error) {
	return t.apply(version, func(root STreePage) (STreePage, error) {
		return root.Drop(lower, version)
	})
}

func (t *STree) Take(upper int64, version int64) (*STree, error) {
	return t.apply(version, func(root STreePage) (STreePage, error) {
		return root.Take(upper, version)
	})
}

// Reduced memoizes a fold of every value in the list.
func (t *STree) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (*STree, error) {
	root, err := t.root()
	if err != nil {
		return nil, err
	}
	p, err := root.Reduced(identity, acc, comb, version)
	if err != nil {
		return nil, err
	}
	return t.withRoot(p), nil
}

// Cleared returns an empty list with the same seed.
func (t *STree) Cleared(version int64) *STree {
	if t.Span() == 0 {
		return t
	}
	root := newSTreeLeaf(t.seed.Root.ctx, t.seed.Stem, version, nil, t.resident)
	return t.withRoot(root)
}

func (t *STree) apply(version int64, fn func(STreePage) (STreePage, error)) (*STree, error) {
	root, err := t.root()
	if err != nil {
		return nil, err
	}
	p, err := fn(root)
	if err != nil {
		return nil, err
	}
	if p == root {
		return t, nil
	}
	if p, err = p.Balanced(version); err != nil {
		return nil, err
	}
	return t.withRoot(p), nil
}

// Cursor iterates over the list in order.
func (t *STree) Cursor() *Cursor[Entry] {
	return newCursor(t.seed.Root, streeSlots, streeAggregate)
}

// DepthCursor descends at most depth levels, returning deeper subtrees
// as one entry holding the subtree's fold.
func (t *STree) DepthCursor(depth int) *Cursor[Entry] {
	c := t.Cursor()
	c.maxDepth = depth
	return c
}

// DeltaCursor returns the slots of pages changed at or after since.
func (t *STree) DeltaCursor(since int64) *Cursor[Entry] {
	c := t.Cursor()
	c.filter = func(r *PageRef) bool { return r.version >= since }
	return c
}

func streeSlots(p Page) []Entry {
	if l, ok := p.(*STreeLeaf); ok {
		return l.slots
	}
	return nil
}

func streeAggregate(p Page, i int) Entry {
	return Entry{Value: p.Child(i).fold}
}
