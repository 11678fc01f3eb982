package storage

import (
	"github.com/pkg/errors"
)

// TreeOptions choose how a tree's pages are held and whether the tree is
// persisted at all.
type TreeOptions struct {
	// Resident trees keep every page in memory.
	Resident bool

	// Transient trees are never committed.
	Transient bool
}

// Tree is an immutable tree value: a seed holding the root ref plus
// residency flags. Trees are replaced, never mutated.
type Tree interface {
	Type() TreeType
	Seed() Seed
	Root() *PageRef
	IsResident() bool
	IsTransient() bool

	// Span is the number of entries in the tree.
	Span() int64
	DiffSize() int64
	TreeSize() int64

	rebuilt(seed Seed) Tree
}

type treeBase struct {
	seed      Seed
	resident  bool
	transient bool
}

func newTreeBase(t TreeType, root *PageRef, opts TreeOptions) treeBase {
	now := nowMillis()
	return treeBase{
		seed: Seed{
			Type:    t,
			Stem:    root.stem,
			Created: now,
			Updated: now,
			Root:    root,
		},
		resident:  opts.Resident,
		transient: opts.Transient,
	}
}

func (t *treeBase) Type() TreeType { return t.seed.Type }
func (t *treeBase) Seed() Seed { return t.seed }
func (t *treeBase) Root() *PageRef { return t.seed.Root }
func (t *treeBase) IsResident() bool { return t.resident }
func (t *treeBase) IsTransient() bool { return t.transient }
func (t *treeBase) Span() int64 { return t.seed.Root.span }
func (t *treeBase) DiffSize() int64 { return t.seed.Root.DiffSize() }
func (t *treeBase) TreeSize() int64 { return t.seed.Root.TreeSize() }

// newTree builds the tree value for a seed.
func newTree(seed Seed, opts TreeOptions) (Tree, error) {
	base := treeBase{seed: seed, resident: opts.Resident, transient: opts.Transient}
	switch seed.Type {
	case BTreeType:
		return &BTree{treeBase: base}, nil
	case QTreeType:
		return &QTree{treeBase: base}, nil
	case STreeType:
		return &STree{treeBase: base}, nil
	case UTreeType:
		return &UTree{treeBase: base}, nil
	}
	return nil, errors.Wrapf(ErrTreeType, "unknown tree type %d", seed.Type)
}

// emptyTree creates a new tree of the given type.
func emptyTree(ctx *PageContext, typ TreeType, stem, version int64, opts TreeOptions) (Tree, error) {
	switch typ {
	case BTreeType:
		return NewBTree(ctx, stem, version, opts), nil
	case QTreeType:
		return NewQTree(ctx, stem, version, opts), nil
	case STreeType:
		return NewSTree(ctx, stem, version, opts), nil
	case UTreeType:
		return NewUTree(ctx, stem, version, opts), nil
	}
	return nil, errors.Wrapf(ErrTreeType, "unknown tree type %d", typ)
}

// commitTree lays the tree's uncommitted pages out from base and stamps
// them with version. Trees without changes come back as is.
func commitTree(t Tree, zone int32, base, version, now int64) (Tree, int64, error) {
	root := t.Root()
	if root.IsCommitted() {
		return t, base, nil
	}
	c, end, err := root.committed(zone, base, version)
	if err != nil {
		return nil, base, err
	}
	seed := t.Seed()
	seed.Root = c
	seed.Updated = now
	return t.rebuilt(seed), end, nil
}

// uncommitTree reverts the pages committed at or after version.
func uncommitTree(t Tree, version int64) (Tree, error) {
	root := t.Root()
	r, err := root.uncommitted(version)
	if err != nil || r == root {
		return t, err
	}
	seed := t.Seed()
	seed.Root = r
	return t.rebuilt(seed), nil
}

// evacuateTree rewrites pages that depend on zones below post.
func evacuateTree(t Tree, post int32, version int64) (Tree, error) {
	root := t.Root()
	r, err := root.evacuated(post, version)
	if err != nil || r == root {
		return t, err
	}
	seed := t.Seed()
	seed.Root = r
	return t.rebuilt(seed), nil
}

func writeTreeDiff(t Tree, version int64, buf []byte, base int64, pos *int) error {
	return t.Root().writeDiff(version, buf, base, pos)
}

// CommittedDiffSize returns the bytes the commit of version wrote for t.
func CommittedDiffSize(t Tree, version int64) (int64, error) {
	return t.Root().CommittedDiffSize(version)
}
