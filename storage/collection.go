package storage

import (
	"github.com/sirupsen/logrus"
)

// collection is the state shared by the typed facades: the trunk, the
// retry policy and the generic delegate.
type collection[T Tree] struct {
	trunk        *Trunk[T]
	log          logrus.FieldLogger
	retries      int
	treeDelegate TreeDelegate

	cleared  func(tree T, version int64) T
	didClear func()
}

// facadeEnv is what a facade takes from its store.
type facadeEnv struct {
	log      logrus.FieldLogger
	retries  int
	delegate TreeDelegate
}

func (s *Store) facadeEnv() facadeEnv {
	return facadeEnv{log: s.log, retries: s.settings.MaxRetries, delegate: s.delegate}
}

func newCollection[T Tree](env facadeEnv, trunk *Trunk[T], cleared func(T, int64) T) collection[T] {
	return collection[T]{
		trunk:        trunk,
		log:          env.log.WithField("tree", trunk.Name()),
		retries:      env.retries,
		treeDelegate: env.delegate,
		cleared:      cleared,
	}
}

func (c *collection[T]) Name() string {
	return c.trunk.Name()
}

// Tree returns the current tree value.
func (c *collection[T]) Tree() T {
	return c.trunk.Tree()
}

// Size returns the number of entries.
func (c *collection[T]) Size() int64 {
	return c.trunk.Tree().Span()
}

// update installs fn's tree, retrying from a fresh read whenever another
// writer or a commit got there first. An unchanged tree isn't installed.
func (c *collection[T]) update(fn func(tree T, version int64) (T, error)) (changed bool, err error) {
	for {
		version := c.trunk.db.Version()
		old := c.trunk.Tree()
		tree, err := fn(old, version)
		if err != nil {
			return false, err
		}
		if Tree(tree) == Tree(old) {
			return false, nil
		}
		if c.trunk.UpdateTree(old, tree, version) {
			return true, nil
		}
	}
}

func (c *collection[T]) didChange() {
	if c.treeDelegate != nil {
		c.treeDelegate.TreeDidChange(c.trunk.Name(), c.trunk.Tree())
	}
}

// clear empties the collection after repeated failures.
func (c *collection[T]) clear() {
	for {
		version := c.trunk.db.Version()
		old := c.trunk.Tree()
		tree := c.cleared(old, version)
		if Tree(tree) == Tree(old) || c.trunk.UpdateTree(old, tree, version) {
			break
		}
	}
	if c.didClear != nil {
		c.didClear()
	}
	c.didChange()
}

// withRetry runs op, retrying store errors up to the configured limit.
// When they keep failing the whole collection is cleared and op runs one
// last time; its error, if any, is returned.
func withRetry[T Tree, R any](c *collection[T], op func() (R, error)) (R, error) {
	for i := 0; ; i++ {
		r, err := op()
		if err == nil || !IsStoreError(err) {
			return r, err
		}
		if i < c.retries {
			c.log.WithError(err).WithField("attempt", i+1).Warn("retrying tree operation")
			continue
		}
		c.log.WithError(err).Error("clearing tree after repeated failures")
		c.clear()
		return op()
	}
}
