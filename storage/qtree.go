package storage

import (
	"github.com/a-poor/zonedb/bitinterval"
	"github.com/pkg/errors"
)

// QTreePage is a page of a spatial map.
type QTreePage interface {
	Page

	Get(key []byte, x, y uint64) ([]byte, bool, error)
	Updated(key []byte, x, y uint64, value []byte, version int64) (QTreePage, error)
	Removed(key []byte, x, y uint64, version int64) (QTreePage, error)
	Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (QTreePage, error)
	Balanced(version int64) (QTreePage, error)

	split(version int64) []*PageRef
	merged(sibling QTreePage, version int64) (QTreePage, bool)
}

func loadQTreePage(r *PageRef) (QTreePage, error) {
	p, err := r.Page()
	if err != nil {
		return nil, err
	}
	qp, ok := p.(QTreePage)
	if !ok {
		return nil, corruptError(r.String(), errors.Wrap(ErrTreeType, "expected a qtree page"))
	}
	return qp, nil
}

type tile struct {
	x, y uint64
}

// Quadrant groups, in the order they are emitted. The last three hold
// tiles that straddle the midpoint of x, of y, or of both.
const (
	quad00 = iota
	quad01
	quad10
	quad11
	quadX0
	quad0X
	quadXX
	quadCount
)

// groupTiles partitions tiles by the quadrant of their common extent and
// returns the groups as ascending index lists.
func groupTiles(tiles []tile, nodes bool) [][]int {
	ext := tiles[0]
	for _, t := range tiles[1:] {
		ext.x = bitinterval.Union(ext.x, t.x)
		ext.y = bitinterval.Union(ext.y, t.y)
	}

	var quads [quadCount][]int
	for i, t := range tiles {
		hx, hy := bitinterval.Half(ext.x, t.x), bitinterval.Half(ext.y, t.y)
		var q int
		switch {
		case hx >= 0 && hy >= 0:
			q = hx<<1 | hy
		case hy >= 0:
			q = quadX0
		case hx >= 0:
			q = quad0X
		default:
			q = quadXX
		}
		quads[q] = append(quads[q], i)
	}

	// Tiles straddling both axes join those straddling one
	if len(quads[quadXX]) > 0 {
		switch {
		case len(quads[quadX0]) > 0:
			quads[quadX0] = mergeIndexes(quads[quadX0], quads[quadXX])
			quads[quadXX] = nil
		case len(quads[quad0X]) > 0:
			quads[quad0X] = mergeIndexes(quads[quad0X], quads[quadXX])
			quads[quadXX] = nil
		}
	}

	// Groups covering the same extent coalesce
	var (
		groups  [][]int
		extents []tile
	)
	for _, q := range quads {
		if len(q) == 0 {
			continue
		}
		e := tiles[q[0]]
		for _, k := range q[1:] {
			e.x = bitinterval.Union(e.x, tiles[k].x)
			e.y = bitinterval.Union(e.y, tiles[k].y)
		}
		found := false
		for j := range groups {
			if extents[j] == e {
				groups[j] = mergeIndexes(groups[j], q)
				found = true
				break
			}
		}
		if !found {
			groups = append(groups, q)
			extents = append(extents, e)
		}
	}

	// Fall back to halves when the quadrants make no progress
	if len(groups) == 1 || (nodes && allSingletons(groups)) {
		half := len(tiles) / 2
		lo, hi := make([]int, half), make([]int, len(tiles)-half)
		for i := range lo {
			lo[i] = i
		}
		for i := range hi {
			hi[i] = half + i
		}
		return [][]int{lo, hi}
	}
	return groups
}

func mergeIndexes(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func allSingletons(groups [][]int) bool {
	for _, g := range groups {
		if len(g) > 1 {
			return false
		}
	}
	return true
}

// QTree is an immutable map of keys placed at tiles. An entry is
// identified by its key together with its tile.
type QTree struct {
	treeBase
}

// NewQTree creates an empty, uncommitted Q-tree.
func NewQTree(ctx *PageContext, stem, version int64, opts TreeOptions) *QTree {
	root := newQTreeLeaf(ctx, stem, version, nil, opts.Resident)
	return &QTree{treeBase: newTreeBase(QTreeType, root.Ref(), opts)}
}

func (t *QTree) rebuilt(seed Seed) Tree {
	return &QTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

func (t *QTree) root() (QTreePage, error) {
	return loadQTreePage(t.seed.Root)
}

func (t *QTree) withRoot(p QTreePage) *QTree {
	if p.Ref() == t.seed.Root {
		return t
	}
	seed := t.seed
	seed.Root = p.Ref()
	return &QTree{treeBase: treeBase{seed: seed, resident: t.resident, transient: t.transient}}
}

// Extent returns the bit-interval extent of every entry in the tree.
func (t *QTree) Extent() (x, y uint64) {
	return t.seed.Root.Extent()
}

func (t *QTree) Get(key []byte, x, y uint64) ([]byte, bool, error) {
	if t.Span() == 0 {
		return nil, false, nil
	}
	root, err := t.root()
	if err != nil {
		return nil, false, err
	}
	return root.Get(key, x, y)
}

func (t *QTree) ContainsKey(key []byte, x, y uint64) (bool, error) {
	_, ok, err := t.Get(key, x, y)
	return ok, err
}

func (t *QTree) Updated(key []byte, x, y uint64, value []byte, version int64) (*QTree, error) {
	return t.apply(version, func(root QTreePage) (QTreePage, error) {
		return root.Updated(key, x, y, value, version)
	})
}

func (t *QTree) Removed(key []byte, x, y uint64, version int64) (*QTree, error) {
	return t.apply(version, func(root QTreePage) (QTreePage, error) {
		return root.Removed(key, x, y, version)
	})
}

// Moved relocates an entry from one tile to another.
func (t *QTree) Moved(key []byte, oldX, oldY, newX, newY uint64, value []byte, version int64) (*QTree, error) {
	if oldX == newX && oldY == newY {
		return t.Updated(key, newX, newY, value, version)
	}
	r, err := t.Removed(key, oldX, oldY, version)
	if err != nil {
		return nil, err
	}
	return r.Updated(key, newX, newY, value, version)
}

// Reduced memoizes a fold of every value in the tree.
func (t *QTree) Reduced(identity []byte, acc Accumulator, comb Combiner, version int64) (*QTree, error) {
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
func (t *QTree) Cleared(version int64) *QTree {
	if t.Span() == 0 {
		return t
	}
	root := newQTreeLeaf(t.seed.Root.ctx, t.seed.Stem, version, nil, t.resident)
	return t.withRoot(root)
}

func (t *QTree) apply(version int64, fn func(QTreePage) (QTreePage, error)) (*QTree, error) {
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

// Cursor iterates over every entry.
func (t *QTree) Cursor() *Cursor[QEntry] {
	return newCursor(t.seed.Root, qtreeSlots, qtreeAggregate)
}

// TileCursor iterates over the entries whose tile intersects (x, y).
func (t *QTree) TileCursor(x, y uint64) *Cursor[QEntry] {
	c := t.Cursor()
	c.filter = func(r *PageRef) bool {
		return bitinterval.Intersects(r.x, x) && bitinterval.Intersects(r.y, y)
	}
	c.accept = func(e QEntry) bool {
		return bitinterval.Intersects(e.X, x) && bitinterval.Intersects(e.Y, y)
	}
	return c
}

// DepthCursor descends at most depth levels, returning deeper subtrees
// as one entry placed at the subtree's extent and holding its fold.
func (t *QTree) DepthCursor(depth int) *Cursor[QEntry] {
	c := t.Cursor()
	c.maxDepth = depth
	return c
}

// DeltaCursor returns the entries of pages changed at or after since.
func (t *QTree) DeltaCursor(since int64) *Cursor[QEntry] {
	c := t.Cursor()
	c.filter = func(r *PageRef) bool { return r.version >= since }
	return c
}

func qtreeSlots(p Page) []QEntry {
	if l, ok := p.(*QTreeLeaf); ok {
		return l.slots
	}
	return nil
}

func qtreeAggregate(p Page, i int) QEntry {
	r := p.Child(i)
	return QEntry{X: r.x, Y: r.y, Value: r.fold}
}
