package storage

import (
	"github.com/pkg/errors"
)

// BTreePage is a page of an ordered map.
type BTreePage interface {
	Page

	MinKey() ([]byte, error)
	Get(key []byte) ([]byte, bool, error)
	// IndexOf returns the position of key, or -(insertion point)-1 when
	// the key is absent.
	IndexOf(key []byte) (int64, error)
	GetIndex(index int64) (Entry, error)
	FirstEntry() (Entry, bool, error)
	LastEntry() (Entry, bool, error)
	NextEntry(key []byte) (Entry, bool, error)
	PreviousEntry(key []byte) (Entry, bool, error)

	Updated(key, value []byte, version int64) (BTreePage, error)
	Removed(key []byte, version int64) (BTreePage, error)
	Drop(lower int64, version int64) (BTreePage, error)
	Take(upper int64, version int64) (BTreePage, error)
	Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (BTreePage, error)
	Balanced(version int64) (BTreePage, error)
	Split(x int, version int64) (BTreePage, BTreePage, []byte)

	merged(sibling BTreePage, knot []byte, version int64) (BTreePage, bool)
}

func loadBTreePage(r *PageRef) (BTreePage, error) {
	p, err := r.Page()
	if err != nil {
		return nil, err
	}
	bp, ok := p.(BTreePage)
	if !ok {
		return nil, corruptError(r.String(), errors.Wrap(ErrTreeType, "expected a btree page"))
	}
	return bp, nil
}

// BTree is an immutable ordered map from keys to values.
type BTree struct {
	treeBase
}

// NewBTree creates an empty, uncommitted B-tree.
func NewBTree(ctx *PageContext, stem, version int64, opts TreeOptions) *BTree {
	root := newBTreeLeaf(ctx, stem, version, nil, opts.Resident)
	return &BTree{treeBase: newTreeBase(BTreeType, root.Ref(), opts)}
}

func (t *BTree) rebuilt(seed Seed) Tree {
	return &BTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *BTree) root() (BTreePage, error) {
	return loadBTreePage(t.seed.Root)
}

func (t *BTree) withRoot(p BTreePage) *BTree {
	if p.Ref() == t.seed.Root {
		return t
	}
	seed := t.seed
	seed.Root = p.Ref()
	return &BTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	root, err := t.root()
	if err != nil {
		return nil, false, err
	}
	return root.Get(key)
}

func (t *BTree) ContainsKey(key []byte) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func (t *BTree) IndexOf(key []byte) (int64, error) {
	root, err := t.root()
	if err != nil {
		return 0, err
	}
	return root.IndexOf(key)
}

func (t *BTree) GetIndex(index int64) (Entry, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, err
	}
	return root.GetIndex(index)
}

func (t *BTree) FirstEntry() (Entry, bool, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, false, err
	}
	return root.FirstEntry()
}

func (t *BTree) LastEntry() (Entry, bool, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, false, err
	}
	return root.LastEntry()
}

// NextEntry returns the first entry with a key greater than key.
func (t *BTree) NextEntry(key []byte) (Entry, bool, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, false, err
	}
	return root.NextEntry(key)
}

// PreviousEntry returns the last entry with a key less than key.
func (t *BTree) PreviousEntry(key []byte) (Entry, bool, error) {
	root, err := t.root()
	if err != nil {
		return Entry{}, false, err
	}
	return root.PreviousEntry(key)
}

func (t *BTree) Updated(key, value []byte, version int64) (*BTree, error) {
	return t.apply(version, func(root BTreePage) (BTreePage, error) {
		return root.Updated(key, value, version)
	})
}

func (t *BTree) Removed(key []byte, version int64) (*BTree, error) {
	return t.apply(version, func(root BTreePage) (BTreePage, error) {
		return root.Removed(key, version)
	})
}

// Drop removes the first lower entries.
func (t *BTree) Drop(lower int64, version int64) (*BTree, error) {
	return t.apply(version, func(root BTreePage) (BTreePage, error) {
		return root.Drop(lower, version)
	})
}

// Take keeps only the first upper entries.
func (t *BTree) Take(upper int64, version int64) (*BTree, error) {
	return t.apply(version, func(root BTreePage) (BTreePage, error) {
		return root.Take(upper, version)
	})
}

// Reduced memoizes a fold of every value in the tree.
func (t *BTree) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (*BTree, error) {
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

// Cleared returns an empty tree with the same seed.
func (t *BTree) Cleared(version int64) *BTree {
	if t.Span() == 0 {
		return t
	}
	root := newBTreeLeaf(t.seed.Root.ctx, t.seed.Stem, version, nil, t.resident)
	return t.withRoot(root)
}

func (t *BTree) apply(version int64, fn func(BTreePage) (BTreePage, error)) (*BTree, error) {
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

// Cursor iterates over every entry in key order.
func (t *BTree) Cursor() *Cursor[Entry] {
	return newCursor(t.seed.Root, btreeSlots, btreeAggregate)
}

// CursorFrom returns a cursor positioned before the first entry with a
// key at or after key.
func (t *BTree) CursorFrom(key []byte) (*Cursor[Entry], error) {
	c := t.Cursor()
	root, err := t.root()
	if err != nil {
		return nil, err
	}

	var p BTreePage = root
	c.started = true
	for {
		switch q := p.(type) {
		case *BTreeLeaf:
			i, _ := q.search(key)
			c.stack = append(c.stack, cursorFrame{page: q, pos: i})
			return c, nil
		case *BTreeNode:
			x := q.childIndex(key)
			c.stack = append(c.stack, cursorFrame{page: q, pos: x})
			if p, err = q.child(x); err != nil {
				return nil, err
			}
		default:
			return nil, corruptError(describeRef(p), errors.Wrap(ErrTreeType, "unexpected btree page"))
		}
	}
}

// DepthCursor descends at most depth levels. Subtrees below that are
// returned as one aggregate entry each, keyed by the subtree's lower bound
// key and holding its fold.
func (t *BTree) DepthCursor(depth int) *Cursor[Entry] {
	c := t.Cursor()
	c.maxDepth = depth
	return c
}

// DeltaCursor returns the entries of pages changed at or after since.
func (t *BTree) DeltaCursor(since int64) *Cursor[Entry] {
	c := t.Cursor()
	c.filter = func(r *PageRef) bool { return r.version >= since }
	return c
}

func btreeSlots(p Page) []Entry {
	if l, ok := p.(*BTreeLeaf); ok {
		return l.slots
	}
	return nil
}

func btreeAggregate(p Page, i int) Entry {
	n := p.(*BTreeNode)
	var key []byte
	if i > 0 {
		key = n.knots[i-1]
	}
	return Entry{Key: key, Value: n.children[i].fold}
}

func describeRef(p Page) string {
	if p == nil || p.Ref() == nil {
		return ""
	}
	return p.Ref().String()
}
