package storage

import (
	"sort"

	"github.com/pkg/errors"
)

// STreeNode holds child refs. knots[i] is the index of the first entry
// below children[i+1].
type STreeNode struct {
	pageBase
	children []*PageRef
	knots    []int64
	span     int64
}

func newSTreeNode(ctx *PageContext, stem, version int64, children []*PageRef, resident bool) *STreeNode {
	n := &STreeNode{pageBase: pageBase{stem: stem, version: version}, children: children}
	n.knots, n.span = knotIndexes(children)
	newPageRef(ctx, n, resident)
	return n
}

func knotIndexes(children []*PageRef) ([]int64, int64) {
	var knots []int64
	if len(children) > 1 {
		knots = make([]int64, len(children)-1)
	}
	var span int64
	for i, c := range children {
		if i > 0 {
			knots[i-1] = span
		}
		span += c.span
	}
	return knots, span
}

func decodeSTreeNode(ref *PageRef, frame []byte) (Page, error) {
	var rec streeNodeRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, STreeType, false); err != nil {
		return nil, err
	}
	if len(rec.Children) == 0 {
		return nil, errors.New("node has no children")
	}
	children, err := decodeRefs(ref.ctx, rec.Children, ref.resident)
	if err != nil {
		return nil, err
	}
	n := &STreeNode{pageBase: pageBase{stem: rec.Stem, version: rec.Version}, children: children}
	n.knots, n.span = knotIndexes(children)
	if n.span != rec.Span || len(n.knots) != len(rec.Knots) {
		return nil, errors.Errorf("node spans %d, children span %d", rec.Span, n.span)
	}
	for i, k := range rec.Knots {
		if n.knots[i] != k {
			return nil, errors.Errorf("knot %d is %d, children give %d", i, k, n.knots[i])
		}
	}
	return n, nil
}

func (n *STreeNode) Type() TreeType { return STreeType }
func (n *STreeNode) IsLeaf() bool { return false }
func (n *STreeNode) Span() int64 { return n.span }
func (n *STreeNode) Arity() int { return len(n.children) }
func (n *STreeNode) ChildCount() int { return len(n.children) }
func (n *STreeNode) Child(i int) *PageRef { return n.children[i] }
func (n *STreeNode) splittable() bool { return len(n.children) > 2 }

func (n *STreeNode) record() any {
	return streeNodeRecord{
		Tag:      pageTag(STreeType, false),
		Stem:     n.stem,
		Version:  n.version,
		Span:     n.span,
		Children: refRecords(n.children),
		Knots:    n.knots,
	}
}

func (n *STreeNode) rebuilt(children []*PageRef, version int64) Page {
	if children == nil {
		children = n.children
	}
	return &STreeNode{
		pageBase: pageBase{stem: n.stem, version: version},
		children: children,
		knots:    n.knots,
		span:     n.span,
	}
}

func (n *STreeNode) with(children []*PageRef, version int64) *STreeNode {
	return newSTreeNode(n.ctx(), n.stem, version, children, n.resident())
}

func (n *STreeNode) empty(version int64) *STreeLeaf {
	return newSTreeLeaf(n.ctx(), n.stem, version, nil, n.resident())
}

func (n *STreeNode) child(i int) (STreePage, error) {
	return loadSTreePage(n.children[i])
}

// locate returns the child holding index and the index within it.
func (n *STreeNode) locate(index int64) (int, int64) {
	x := sort.Search(len(n.knots), func(i int) bool { return n.knots[i] > index })
	if x > 0 {
		index -= n.knots[x-1]
	}
	return x, index
}

func (n *STreeNode) checkIndex(index, limit int64) error {
	if index < 0 || index >= limit {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d of %d", index, n.span)
	}
	return nil
}

func (n *STreeNode) Get(index int64) ([]byte, error) {
	e, err := n.GetEntry(index)
	return e.Value, err
}

func (n *STreeNode) GetEntry(index int64) (Entry, error) {
	if err := n.checkIndex(index, n.span); err != nil {
		return Entry{}, err
	}
	x, i := n.locate(index)
	c, err := n.child(x)
	if err != nil {
		return Entry{}, err
	}
	return c.GetEntry(i)
}

func (n *STreeNode) LookupKey(key []byte) (int64, error) {
	var offset int64
	for x, r := range n.children {
		c, err := n.child(x)
		if err != nil {
			return -1, err
		}
		i, err := c.LookupKey(key)
		if err != nil {
			return -1, err
		}
		if i >= 0 {
			return offset + i, nil
		}
		offset += r.span
	}
	return -1, nil
}

func (n *STreeNode) Updated(index int64, value []byte, version int64) (STreePage, error) {
	if err := n.checkIndex(index, n.span); err != nil {
		return nil, err
	}
	x, i := n.locate(index)
	c, err := n.child(x)
	if err != nil {
		return nil, err
	}
	if c, err = c.Updated(i, value, version); err != nil {
		return nil, err
	}
	children := clone(n.children)
	if pageShouldSplit(c) {
		left, right := c.Split(c.Arity()/2, version)
		children[x] = left.Ref()
		children = insertAt(children, x+1, right.Ref())
	} else {
		children[x] = c.Ref()
	}
	return n.with(children, version), nil
}

func (n *STreeNode) Inserted(index int64, key, value []byte, version int64) (STreePage, error) {
	if err := n.checkIndex(index, n.span+1); err != nil {
		return nil, err
	}
	x, i := n.locate(index)
	if index == n.span {
		// Append to the last child
		x = len(n.children) - 1
		i = n.children[x].span
	}
	c, err := n.child(x)
	if err != nil {
		return nil, err
	}
	if c, err = c.Inserted(i, key, value, version); err != nil {
		return nil, err
	}

	children := clone(n.children)
	if pageShouldSplit(c) {
		left, right := c.Split(c.Arity()/2, version)
		children[x] = left.Ref()
		children = insertAt(children, x+1, right.Ref())
	} else {
		children[x] = c.Ref()
	}
	return n.with(children, version), nil
}

func (n *STreeNode) Removed(index int64, version int64) (STreePage, error) {
	if err := n.checkIndex(index, n.span); err != nil {
		return nil, err
	}
	x, i := n.locate(index)
	c, err := n.child(x)
	if err != nil {
		return nil, err
	}
	if c, err = c.Removed(i, version); err != nil {
		return nil, err
	}

	if c.Span() == 0 {
		if len(n.children) == 1 {
			return n.empty(version), nil
		}
		return n.with(removeAt(n.children, x), version), nil
	}

	children := clone(n.children)
	children[x] = c.Ref()

	// Merge an undersized child into a sibling
	if pageShouldMerge(c) && len(children) > 1 {
		lo := x - 1
		if x == 0 {
			lo = 0
		}
		var left, right STreePage
		if lo == x {
			left = c
			if right, err = loadSTreePage(children[x+1]); err != nil {
				return nil, err
			}
		} else {
			right = c
			if left, err = loadSTreePage(children[lo]); err != nil {
				return nil, err
			}
		}
		if m, ok := left.merged(right, version); ok {
			if pageShouldSplit(m) {
				l, r := m.Split(m.Arity()/2, version)
				children[lo] = l.Ref()
				children[lo+1] = r.Ref()
			} else {
				children[lo] = m.Ref()
				children = removeAt(children, lo+1)
			}
		}
	}
	return n.with(children, version), nil
}

func (n *STreeNode) Drop(lower int64, version int64) (STreePage, error) {
	switch {
	case lower <= 0:
		return n, nil
	case lower >= n.span:
		return n.empty(version), nil
	}

	x := 0
	for lower >= n.children[x].span {
		lower -= n.children[x].span
		x++
	}
	children := clone(n.children[x:])
	if lower > 0 {
		c, err := loadSTreePage(children[0])
		if err != nil {
			return nil, err
		}
		if c, err = c.Drop(lower, version); err != nil {
			return nil, err
		}
		children[0] = c.Ref()
	}
	return n.with(children, version), nil
}

func (n *STreeNode) Take(upper int64, version int64) (STreePage, error) {
	switch {
	case upper >= n.span:
		return n, nil
	case upper <= 0:
		return n.empty(version), nil
	}

	x := 0
	for upper > n.children[x].span {
		upper -= n.children[x].span
		x++
	}
	children := clone(n.children[:x+1])
	if upper < children[x].span {
		c, err := loadSTreePage(children[x])
		if err != nil {
			return nil, err
		}
		if c, err = c.Take(upper, version); err != nil {
			return nil, err
		}
		children[x] = c.Ref()
	}
	return n.with(children, version), nil
}

func (n *STreeNode) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (STreePage, error) {
	if n.ref.hasFold {
		return n, nil
	}

	changed := false
	children := make([]*PageRef, len(n.children))
	fold := identity
	for i, r := range n.children {
		if !r.hasFold {
			c, err := loadSTreePage(r)
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
		return withFold(n, fold).(STreePage), nil
	}
	p := n.with(children, version)
	p.ref.fold = fold
	p.ref.hasFold = true
	return p, nil
}

func (n *STreeNode) Balanced(version int64) (STreePage, error) {
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
		left, right := n.Split(len(n.children)/2, version)
		return n.with([]*PageRef{left.Ref(), right.Ref()}, version), nil
	}
	return n, nil
}

func (n *STreeNode) Split(x int, version int64) (STreePage, STreePage) {
	return n.with(clone(n.children[:x]), version), n.with(clone(n.children[x:]), version)
}

func (n *STreeNode) merged(sibling STreePage, version int64) (STreePage, bool) {
	r, ok := sibling.(*STreeNode)
	if !ok {
		return nil, false
	}
	children := make([]*PageRef, 0, len(n.children)+len(r.children))
	children = append(children, n.children...)
	children = append(children, r.children...)
	return n.with(children, version), true
}
