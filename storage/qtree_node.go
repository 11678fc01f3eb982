package storage

import (
	"github.com/a-poor/zonedb/bitinterval"
	"github.com/pkg/errors"
)

// QTreeNode holds child refs whose extents cover their entries' tiles.
// Child extents may overlap.
type QTreeNode struct {
	pageBase
	children []*PageRef
	span     int64
	x, y     uint64
}

func newQTreeNode(ctx *PageContext, stem, version int64, children []*PageRef, resident bool) *QTreeNode {
	n := &QTreeNode{
		pageBase: pageBase{stem: stem, version: version},
		children: children,
		span:     childSpans(children),
	}
	n.x, n.y = refExtent(children)
	newPageRef(ctx, n, resident)
	return n
}

func decodeQTreeNode(ref *PageRef, frame []byte) (Page, error) {
	var rec qtreeNodeRecord
	if err := decodeFrame(frame, &rec); err != nil {
		return nil, err
	}
	if err := checkTag(rec.Tag, QTreeType, false); err != nil {
		return nil, err
	}
	if len(rec.Children) == 0 {
		return nil, errors.New("node has no children")
	}
	children, err := decodeRefs(ref.ctx, rec.Children, ref.resident)
	if err != nil {
		return nil, err
	}
	n := &QTreeNode{
		pageBase: pageBase{stem: rec.Stem, version: rec.Version},
		children: children,
		span:     childSpans(children),
		x:        rec.X,
		y:        rec.Y,
	}
	if n.span != rec.Span {
		return nil, errors.Errorf("node spans %d, children span %d", rec.Span, n.span)
	}
	return n, nil
}

// refExtent unions the extents of every non-empty ref.
func refExtent(refs []*PageRef) (x, y uint64) {
	first := true
	for _, r := range refs {
		if r.span == 0 {
			continue
		}
		if first {
			x, y = r.x, r.y
			first = false
			continue
		}
		x = bitinterval.Union(x, r.x)
		y = bitinterval.Union(y, r.y)
	}
	return x, y
}

func (n *QTreeNode) Type() TreeType { return QTreeType }
func (n *QTreeNode) IsLeaf() bool { return false }
func (n *QTreeNode) Span() int64 { return n.span }
func (n *QTreeNode) Arity() int { return len(n.children) }
func (n *QTreeNode) ChildCount() int { return len(n.children) }
func (n *QTreeNode) Child(i int) *PageRef { return n.children[i] }
func (n *QTreeNode) splittable() bool { return len(n.children) > 2 }
func (n *QTreeNode) extent() (x, y uint64) { return n.x, n.y }

func (n *QTreeNode) record() any {
	return qtreeNodeRecord{
		Tag:      pageTag(QTreeType, false),
		Stem:     n.stem,
		Version:  n.version,
		Span:     n.span,
		X:        n.x,
		Y:        n.y,
		Children: refRecords(n.children),
	}
}

func (n *QTreeNode) rebuilt(children []*PageRef, version int64) Page {
	if children == nil {
		children = n.children
	}
	return &QTreeNode{
		pageBase: pageBase{stem: n.stem, version: version},
		children: children,
		span:     n.span,
		x:        n.x,
		y:        n.y,
	}
}

func (n *QTreeNode) with(children []*PageRef, version int64) *QTreeNode {
	return newQTreeNode(n.ctx(), n.stem, version, children, n.resident())
}

func (n *QTreeNode) empty(version int64) *QTreeLeaf {
	return newQTreeLeaf(n.ctx(), n.stem, version, nil, n.resident())
}

func (n *QTreeNode) child(i int) (QTreePage, error) {
	return loadQTreePage(n.children[i])
}

func refContains(r *PageRef, x, y uint64) bool {
	return r.span > 0 && bitinterval.Contains(r.x, x) && bitinterval.Contains(r.y, y)
}

func (n *QTreeNode) Get(key []byte, x, y uint64) ([]byte, bool, error) {
	for i, r := range n.children {
		if !refContains(r, x, y) {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return nil, false, err
		}
		v, ok, err := c.Get(key, x, y)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return nil, false, nil
}

// chooseChild picks the child to insert a new tile into: the smallest
// child already covering it, or else the one that grows the least.
func (n *QTreeNode) chooseChild(x, y uint64) int {
	best, bestCost := -1, 0
	for i, r := range n.children {
		if r.span > 0 && refContains(r, x, y) {
			if cost := bitinterval.Rank(r.x) + bitinterval.Rank(r.y); best < 0 || cost < bestCost {
				best, bestCost = i, cost
			}
		}
	}
	if best >= 0 {
		return best
	}
	for i, r := range n.children {
		cost := 0
		if r.span > 0 {
			cost = bitinterval.Rank(bitinterval.Union(r.x, x)) - bitinterval.Rank(r.x) +
				bitinterval.Rank(bitinterval.Union(r.y, y)) - bitinterval.Rank(r.y)
		}
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	return best
}

func (n *QTreeNode) Updated(key []byte, x, y uint64, value []byte, version int64) (QTreePage, error) {
	// Update in place when the entry already exists
	target := -1
	for i, r := range n.children {
		if !refContains(r, x, y) {
			continue
		}
		c, err := n.child(i)
		if err != nil {
			return nil, err
		}
		_, ok, err := c.Get(key, x, y)
		if err != nil {
			return nil, err
		}
		if ok {
			target = i
			break
		}
	}
	if target < 0 {
		target = n.chooseChild(x, y)
	}

	old, err := n.child(target)
	if err != nil {
		return nil, err
	}
	c, err := old.Updated(key, x, y, value, version)
	if err != nil {
		return nil, err
	}
	if c == old {
		return n, nil
	}

	var pieces []*PageRef
	if pageShouldSplit(c) {
		pieces = c.split(version)
	} else {
		pieces = []*PageRef{c.Ref()}
	}
	children := append(clone(n.children[:target]), pieces...)
	children = append(children, n.children[target+1:]...)
	return n.with(children, version), nil
}

func (n *QTreeNode) Removed(key []byte, x, y uint64, version int64) (QTreePage, error) {
	for i, r := range n.children {
		if !refContains(r, x, y) {
			continue
		}
		old, err := n.child(i)
		if err != nil {
			return nil, err
		}
		c, err := old.Removed(key, x, y, version)
		if err != nil {
			return nil, err
		}
		if c == old {
			continue
		}
		return n.replaced(i, c, version)
	}
	return n, nil
}

// replaced swaps in a shrunk child, dropping it when empty and merging it
// into a sibling of the same kind when it's undersized.
func (n *QTreeNode) replaced(i int, c QTreePage, version int64) (QTreePage, error) {
	if c.Span() == 0 {
		if len(n.children) == 1 {
			return n.empty(version), nil
		}
		return n.with(removeAt(n.children, i), version), nil
	}

	children := clone(n.children)
	children[i] = c.Ref()
	if !pageShouldMerge(c) {
		return n.with(children, version), nil
	}

	// The sibling whose extent grows least absorbs the child
	cx, cy := c.extent()
	j, cost := -1, 0
	for k, r := range n.children {
		if k == i || r.leaf != c.IsLeaf() || r.span == 0 {
			continue
		}
		d := bitinterval.Rank(bitinterval.Union(r.x, cx)) + bitinterval.Rank(bitinterval.Union(r.y, cy))
		if j < 0 || d < cost {
			j, cost = k, d
		}
	}
	if j < 0 {
		return n.with(children, version), nil
	}
	sibling, err := n.child(j)
	if err != nil {
		return nil, err
	}
	m, ok := c.merged(sibling, version)
	if !ok {
		return n.with(children, version), nil
	}

	pieces := []*PageRef{m.Ref()}
	if pageShouldSplit(m) {
		pieces = m.split(version)
	}
	lo, hi := min(i, j), max(i, j)
	out := make([]*PageRef, 0, len(children)+len(pieces))
	out = append(out, children[:lo]...)
	out = append(out, pieces...)
	out = append(out, children[lo+1:hi]...)
	out = append(out, children[hi+1:]...)
	return n.with(out, version), nil
}

func (n *QTreeNode) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (QTreePage, error) {
	if n.ref.hasFold {
		return n, nil
	}

	changed := false
	children := make([]*PageRef, len(n.children))
	fold := identity
	for i, r := range n.children {
		if !r.hasFold {
			c, err := loadQTreePage(r)
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
		return withFold(n, fold).(QTreePage), nil
	}
	p := n.with(children, version)
	p.ref.fold = fold
	p.ref.hasFold = true
	return p, nil
}

func (n *QTreeNode) Balanced(version int64) (QTreePage, error) {
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
		pieces := n.split(version)
		if len(pieces) < 2 {
			return n, nil
		}
		return n.with(pieces, version), nil
	}
	return n, nil
}

// split groups the children by quadrant. Groups of one child are passed
// up as is.
func (n *QTreeNode) split(version int64) []*PageRef {
	tiles := make([]tile, len(n.children))
	for i, r := range n.children {
		tiles[i] = tile{r.x, r.y}
	}
	groups := groupTiles(tiles, true)
	pieces := make([]*PageRef, len(groups))
	for i, g := range groups {
		if len(g) == 1 {
			pieces[i] = n.children[g[0]]
			continue
		}
		children := make([]*PageRef, len(g))
		for j, k := range g {
			children[j] = n.children[k]
		}
		pieces[i] = n.with(children, version).Ref()
	}
	return pieces
}

func (n *QTreeNode) merged(sibling QTreePage, version int64) (QTreePage, bool) {
	r, ok := sibling.(*QTreeNode)
	if !ok {
		return nil, false
	}
	children := make([]*PageRef, 0, len(n.children)+len(r.children))
	children = append(children, n.children...)
	children = append(children, r.children...)
	return n.with(children, version), true
}
