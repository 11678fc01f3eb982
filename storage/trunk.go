package storage

import (
	"sync/atomic"
)

// Trunk is the mutable cell holding the current value of a named tree.
// Writers read the database version and the tree, derive a new tree, and
// install it with UpdateTree, retrying from the top when it fails.
type Trunk[T Tree] struct {
	db      *Database
	name    string
	tree    atomic.Value
	removed atomic.Bool

	// closing is set once nobody holds the trunk open; it is dropped when
	// its changes are durable. wantResident asks for the tree to be
	// reloaded resident at that point.
	closing      atomic.Bool
	wantResident atomic.Bool
}

// trunk is the type-erased view the database works with.
type trunk interface {
	Name() string
	current() Tree
	cas(old, new Tree) bool
	update(old, new Tree, version int64) bool
	isRemoved() bool
	markRemoved()
	isClosing() bool
	setClosing(bool)
	wantsResident() bool
	setWantResident(bool)
}

func newTrunk[T Tree](db *Database, name string, tree T) *Trunk[T] {
	t := &Trunk[T]{db: db, name: name}
	t.tree.Store(tree)
	return t
}

func (t *Trunk[T]) Name() string {
	return t.name
}

// Database returns the database the trunk belongs to.
func (t *Trunk[T]) Database() *Database {
	return t.db
}

// Tree returns the current tree.
func (t *Trunk[T]) Tree() T {
	return t.tree.Load().(T)
}

// UpdateTree installs newTree if the trunk still holds oldTree and the
// database is still at version. On success the trunk is registered as a
// sprout for the next commit.
//
// The version is checked again after the swap. If a commit started in
// between, the swap is undone and the caller retries at the new version.
// When the undo loses to another writer or to the commit itself, the tree
// stays installed and the next commit writes it.
func (t *Trunk[T]) UpdateTree(oldTree, newTree T, version int64) bool {
	if t.db.Version() != version {
		return false
	}
	if !t.tree.CompareAndSwap(oldTree, newTree) {
		return false
	}
	if t.db.Version() != version && t.tree.CompareAndSwap(newTree, oldTree) {
		return false
	}
	t.db.treeDidUpdate(t, oldTree, newTree)
	return true
}

func (t *Trunk[T]) current() Tree {
	return t.Tree()
}

func (t *Trunk[T]) cas(old, new Tree) bool {
	return t.tree.CompareAndSwap(old, new)
}

func (t *Trunk[T]) update(old, new Tree, version int64) bool {
	return t.UpdateTree(old.(T), new.(T), version)
}

func (t *Trunk[T]) isRemoved() bool {
	return t.removed.Load()
}

func (t *Trunk[T]) markRemoved() {
	t.removed.Store(true)
}

func (t *Trunk[T]) isClosing() bool {
	return t.closing.Load()
}

func (t *Trunk[T]) setClosing(v bool) {
	t.closing.Store(v)
}

func (t *Trunk[T]) wantsResident() bool {
	return t.wantResident.Load()
}

func (t *Trunk[T]) setWantResident(v bool) {
	t.wantResident.Store(v)
}
