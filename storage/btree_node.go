package storage

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// BTreeNode holds child refs separated by knot keys. knots[i] is the
// smallest key below children[i+1].
type BTreeNode struct {
	pageBase
	children []*PageRef
	knots    [][]byte
	span     int64
}

func newBTreeNode(ctx *PageContext, stem, version int64, children []*PageRef, knots [][]byte, resident bool) *BTreeNode {
	n := &BTreeNode{
		pageBase: pageBase{stem: stem, version: version},
		children: children,
		knots:    knots,
		span:     childSpans(children),
	}
	newPageRef(ctx, n, resident)
	return n
}

func decodeBTreeNode(ref *PageRef, frame []byte) (Page, error) {
	var rec btreeNodeRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, BTreeType, false); err != nil {
		return nil, err
	}
	if len(rec.Children) == 0 || len(rec.Knots) != len(rec.Children)-1 {
		return nil, errors.Errorf("node has %d children and %d knots", len(rec.Children), len(rec.Knots))
	}
	children, err := decodeRefs(ref.ctx, rec.Children, ref.resident)
	if err != nil {
		return nil, err
	}
	n := &BTreeNode{
		pageBase: pageBase{stem: rec.Stem, version: rec.Version},
		children: children,
		knots:    rec.Knots,
		span:     childSpans(children),
	}
	if n.span != rec.Span {
		return nil, errors.Errorf("node spans %d, children span %d", rec.Span, n.span)
	}
	return n, nil
}

func (n *BTreeNode) Type() TreeType { return BTreeType }
func (n *BTreeNode) IsLeaf() bool { return false }
func (n *BTreeNode) Span() int64 { return n.span }
func (n *BTreeNode) Arity() int { return len(n.children) }
func (n *BTreeNode) ChildCount() int { return len(n.children) }
func (n *BTreeNode) Child(i int) *PageRef { return n.children[i] }
func (n *BTreeNode) splittable() bool { return len(n.children) > 2 }

// Knots returns the node's separator keys. The slice must not be modified.
func (n *BTreeNode) Knots() [][]byte {
	return n.knots
}

func (n *BTreeNode) record() any {
	return btreeNodeRecord{
		Tag:      pageTag(BTreeType, false),
		Stem:     n.stem,
		Version:  n.version,
		Span:     n.span,
		Children: refRecords(n.children),
		Knots:    n.knots,
	}
}

func (n *BTreeNode) rebuilt(children []*PageRef, version int64) Page {
	if children == nil {
		children = n.children
	}
	return &BTreeNode{
		pageBase: pageBase{stem: n.stem, version: version},
		children: children,
		knots:    n.knots,
		span:     n.span,
	}
}

func (n *BTreeNode) with(children []*PageRef, knots [][]byte, version int64) *BTreeNode {
	return newBTreeNode(n.ctx(), n.stem, version, children, knots, n.resident())
}

func (n *BTreeNode) empty(version int64) *BTreeLeaf {
	return newBTreeLeaf(n.ctx(), n.stem, version, nil, n.resident())
}

// childIndex returns the index of the child whose key range holds key.
func (n *BTreeNode) childIndex(key []byte) int {
	return sort.Search(len(n.knots), func(i int) bool {
		return bytes.Compare(n.knots[i], key) > 0
	})
}

func (n *BTreeNode) child(i int) (BTreePage, error) {
	return loadBTreePage(n.children[i])
}

func (n *BTreeNode) MinKey() ([]byte, error) {
	c, err := n.child(0)
	if err != nil {
		return nil, err
	}
	return c.MinKey()
}

func (n *BTreeNode) Get(key []byte) ([]byte, bool, error) {
	c, err := n.child(n.childIndex(key))
	if err != nil {
		return nil, false, err
	}
	return c.Get(key)
}

func (n *BTreeNode) IndexOf(key []byte) (int64, error) {
	x := n.childIndex(key)
	offset := childSpans(n.children[:x])
	c, err := n.child(x)
	if err != nil {
		return 0, err
	}
	i, err := c.IndexOf(key)
	if err != nil {
		return 0, err
	}
	if i >= 0 {
		return offset + i, nil
	}
	return i - offset, nil
}

func (n *BTreeNode) GetIndex(index int64) (Entry, error) {
	if index < 0 || index >= n.span {
		return Entry{}, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, n.span)
	}
	for i, r := range n.children {
		if index < r.span {
			c, err := n.child(i)
			if err != nil {
				return Entry{}, err
			}
			return c.GetIndex(index)
		}
		index -= r.span
	}
	return Entry{}, errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, n.span)
}

func (n *BTreeNode) FirstEntry() (Entry, bool, error) {
	for i, r := range n.children {
		if r.span == 0 {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return Entry{}, false, err
		}
		return c.FirstEntry()
	}
	return Entry{}, false, nil
}

func (n *BTreeNode) LastEntry() (Entry, bool, error) {
	for i := len(n.children) - 1; i >= 0; i-- {
		if n.children[i].span == 0 {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return Entry{}, false, err
		}
		return c.LastEntry()
	}
	return Entry{}, false, nil
}

func (n *BTreeNode) NextEntry(key []byte) (Entry, bool, error) {
	x := n.childIndex(key)
	c, err := n.child(x)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok, err := c.NextEntry(key)
	if err != nil || ok {
		return e, ok, err
	}
	for i := x + 1; i < len(n.children); i++ {
		if n.children[i].span == 0 {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return Entry{}, false, err
		}
		return c.FirstEntry()
	}
	return Entry{}, false, nil
}

func (n *BTreeNode) PreviousEntry(key []byte) (Entry, bool, error) {
	x := n.childIndex(key)
	c, err := n.child(x)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok, err := c.PreviousEntry(key)
	if err != nil || ok {
		return e, ok, err
	}
	for i := x - 1; i >= 0; i-- {
		if n.children[i].span == 0 {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return Entry{}, false, err
		}
		return c.LastEntry()
	}
	return Entry{}, false, nil
}

func (n *BTreeNode) Updated(key, value []byte, version int64) (BTreePage, error) {
	x := n.childIndex(key)
	old, err := n.child(x)
	if err != nil {
		return nil, err
	}
	c, err := old.Updated(key, value, version)
	if err != nil {
		return nil, err
	}
	if c == old {
		return n, nil
	}

	children := clone(n.children)
	knots := n.knots
	if pageShouldSplit(c) {
		// Splice the split child in place, whether it grew by a slot or a value
		left, right, knot := c.Split(c.Arity()/2, version)
		children[x] = left.Ref()
		children = insertAt(children, x+1, right.Ref())
		knots = insertAt(knots, x, knot)
	} else {
		children[x] = c.Ref()
	}
	return n.with(children, knots, version), nil
}

func (n *BTreeNode) Removed(key []byte, version int64) (BTreePage, error) {
	x := n.childIndex(key)
	old, err := n.child(x)
	if err != nil {
		return nil, err
	}
	c, err := old.Removed(key, version)
	if err != nil {
		return nil, err
	}
	if c == old {
		return n, nil
	}

	// Drop an emptied child along with its knot
	if c.Span() == 0 {
		if len(n.children) == 1 {
			return n.empty(version), nil
		}
		children := removeAt(n.children, x)
		k := x - 1
		if k < 0 {
			k = 0
		}
		return n.with(children, removeAt(n.knots, k), version), nil
	}

	children := clone(n.children)
	knots := clone(n.knots)
	children[x] = c.Ref()
	if x > 0 && bytes.Equal(key, knots[x-1]) {
		mk, err := c.MinKey()
		if err != nil {
			return nil, err
		}
		knots[x-1] = mk
	}

	// Merge an undersized child into a sibling
	if pageShouldMerge(c) && len(children) > 1 {
		lo := x - 1
		if x == 0 {
			lo = 0
		}
		left, right := c, BTreePage(nil)
		if lo == x {
			if right, err = loadBTreePage(children[x+1]); err != nil {
				return nil, err
			}
		} else {
			right = c
			if left, err = loadBTreePage(children[lo]); err != nil {
				return nil, err
			}
		}
		if m, ok := left.merged(right, knots[lo], version); ok {
			if pageShouldSplit(m) {
				l, r, knot := m.Split(m.Arity()/2, version)
				children[lo] = l.Ref()
				children[lo+1] = r.Ref()
				knots[lo] = knot
			} else {
				children[lo] = m.Ref()
				children = removeAt(children, lo+1)
				knots = removeAt(knots, lo)
			}
		}
	}
	return n.with(children, knots, version), nil
}

func (n *BTreeNode) Drop(lower int64, version int64) (BTreePage, error) {
	switch {
	case lower <= 0:
		return n, nil
	case lower >= n.span:
		return n.empty(version), nil
	}

	// Skip whole children
	x := 0
	for lower >= n.children[x].span {
		lower -= n.children[x].span
		x++
	}
	children := clone(n.children[x:])
	knots := clone(n.knots[x:])

	// Trim the boundary child
	if lower > 0 {
		c, err := loadBTreePage(children[0])
		if err != nil {
			return nil, err
		}
		if c, err = c.Drop(lower, version); err != nil {
			return nil, err
		}
		children[0] = c.Ref()
	}
	return n.with(children, knots, version), nil
}

func (n *BTreeNode) Take(upper int64, version int64) (BTreePage, error) {
	switch {
	case upper >= n.span:
		return n, nil
	case upper <= 0:
		return n.empty(version), nil
	}

	// Find the last child to keep
	x := 0
	for upper > n.children[x].span {
		upper -= n.children[x].span
		x++
	}
	children := clone(n.children[:x+1])
	knots := clone(n.knots[:x])

	// Trim the boundary child
	if upper < children[x].span {
		c, err := loadBTreePage(children[x])
		if err != nil {
			return nil, err
		}
		if c, err = c.Take(upper, version); err != nil {
			return nil, err
		}
		children[x] = c.Ref()
	}
	return n.with(children, knots, version), nil
}

func (n *BTreeNode) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (BTreePage, error) {
	if n.ref.hasFold {
		return n, nil
	}

	changed := false
	children := make([]*PageRef, len(n.children))
	fold := identity
	for i, r := range n.children {
		if !r.hasFold {
			c, err := loadBTreePage(r)
			if err != nil {
				return nil, err
			}
			if c, err = c.Reduced(identity, acc, comb, version); err != nil {
				return nil, err
			}
			r = c.Ref()
			changed = true
		}
		children[i] = r
		fold = comb(fold, r.fold)
	}

	if !changed {
		return withFold(n, fold).(BTreePage), nil
	}
	p := n.with(children, n.knots, version)
	p.ref.fold = fold
	p.ref.hasFold = true
	return p, nil
}

func (n *BTreeNode) Balanced(version int64) (BTreePage, error) {
	switch {
	case len(n.children) == 0:
		return n.empty(version), nil
	case len(n.children) == 1:
		c, err := n.child(0)
		if err != nil {
			return nil, err
		}
		return c.Balanced(version)
	case pageShouldSplit(n):
		left, right, knot := n.Split(len(n.children)/2, version)
		return n.with([]*PageRef{left.Ref(), right.Ref()}, [][]byte{knot}, version), nil
	}
	return n, nil
}

func (n *BTreeNode) Split(x int, version int64) (BTreePage, BTreePage, []byte) {
	left := n.with(clone(n.children[:x]), clone(n.knots[:x-1]), version)
	right := n.with(clone(n.children[x:]), clone(n.knots[x:]), version)
	return left, right, n.knots[x-1]
}

func (n *BTreeNode) merged(sibling BTreePage, knot []byte, version int64) (BTreePage, bool) {
	r, ok := sibling.(*BTreeNode)
	if !ok {
		return nil, false
	}
	children := make([]*PageRef, 0, len(n.children)+len(r.children))
	children = append(children, n.children...)
	children = append(children, r.children...)
	knots := make([][]byte, 0, len(n.knots)+len(r.knots)+1)
	knots = append(knots, n.knots...)
	knots = append(knots, knot)
	knots = append(knots, r.knots...)
	return n.with(children, knots, version), true
}
