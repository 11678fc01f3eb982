package storage

import (
	"context"
)

// QTreeMap is a persistent spatial map. Entries are identified by key and
// tile; the same key may appear in several tiles.
type QTreeMap struct {
	collection[*QTree]
	delegate QTreeDelegate
}

// QTreeMap opens the named spatial map, creating it if needed.
func (s *Store) QTreeMap(ctx context.Context, name string, opts TreeOptions) (*QTreeMap, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	trunk, err := s.db.OpenQTree(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return newQTreeMap(s.facadeEnv(), trunk), nil
}

func newQTreeMap(env facadeEnv, trunk *Trunk[*QTree]) *QTreeMap {
	m := &QTreeMap{collection: newCollection(env, trunk, (*QTree).Cleared)}
	m.didClear = func() {
		if m.delegate != nil {
			m.delegate.QTreeDidClear()
		}
	}
	return m
}

func (m *QTreeMap) SetDelegate(d QTreeDelegate) {
	m.delegate = d
}

func (m *QTreeMap) Get(key []byte, x, y uint64) ([]byte, bool, error) {
	type result struct {
		value []byte
		ok    bool
	}
	r, err := withRetry(&m.collection, func() (result, error) {
		v, ok, err := m.Tree().Get(key, x, y)
		return result{v, ok}, err
	})
	return r.value, r.ok, err
}

func (m *QTreeMap) ContainsKey(key []byte, x, y uint64) (bool, error) {
	return withRetry(&m.collection, func() (bool, error) {
		return m.Tree().ContainsKey(key, x, y)
	})
}

// Put sets the value of key in tile (x, y) and returns the previous one.
func (m *QTreeMap) Put(key []byte, x, y uint64, value []byte) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := m.update(func(t *QTree, version int64) (*QTree, error) {
			v, _, err := t.Get(key, x, y)
			if err != nil {
				return nil, err
			}
			prev = v
			return t.Updated(key, x, y, value, version)
		})
		if err != nil || !changed {
			return prev, err
		}
		if m.delegate != nil {
			m.delegate.QTreeDidUpdate(key, x, y, value, prev)
		}
		m.didChange()
		return prev, nil
	})
}

// Move relocates key from one tile to another, replacing its value.
func (m *QTreeMap) Move(key []byte, oldX, oldY, newX, newY uint64, value []byte) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := m.update(func(t *QTree, version int64) (*QTree, error) {
			v, _, err := t.Get(key, oldX, oldY)
			if err != nil {
				return nil, err
			}
			prev = v
			return t.Moved(key, oldX, oldY, newX, newY, value, version)
		})
		if err != nil || !changed {
			return prev, err
		}
		if m.delegate != nil {
			m.delegate.QTreeDidMove(key, oldX, oldY, newX, newY, value, prev)
		}
		m.didChange()
		return prev, nil
	})
}

// Remove deletes key from tile (x, y).
func (m *QTreeMap) Remove(key []byte, x, y uint64) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := m.update(func(t *QTree, version int64) (*QTree, error) {
			v, ok, err := t.Get(key, x, y)
			if err != nil || !ok {
				return t, err
			}
			prev = v
			return t.Removed(key, x, y, version)
		})
		if err != nil || !changed {
			return prev, err
		}
		if m.delegate != nil {
			m.delegate.QTreeDidRemove(key, x, y, prev)
		}
		m.didChange()
		return prev, nil
	})
}

func (m *QTreeMap) Clear() {
	m.clear()
}

// Query returns a cursor over the entries whose tile intersects (x, y).
func (m *QTreeMap) Query(x, y uint64) *Cursor[QEntry] {
	return m.Tree().TileCursor(x, y)
}

func (m *QTreeMap) Cursor() *Cursor[QEntry] {
	return m.Tree().Cursor()
}

func (m *QTreeMap) Reduced(identity []byte, acc Accumulator, comb Combiner) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var fold []byte
		_, err := m.update(func(t *QTree, version int64) (*QTree, error) {
			r, err := t.Reduced(identity, acc, comb, version)
			if err != nil {
				return nil, err
			}
			fold, _ = r.Root().Fold()
			return r, nil
		})
		return fold, err
	})
}
