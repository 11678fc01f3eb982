package storage

import (
	"context"
)

// BTreeMap is a persistent sorted map backed by a B-tree.
type BTreeMap struct {
	collection[*BTree]
	delegate BTreeDelegate
}

// BTreeMap opens the named map, creating it if needed.
func (s *Store) BTreeMap(ctx context.Context, name string, opts TreeOptions) (*BTreeMap, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	trunk, err := s.db.OpenBTree(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return newBTreeMap(s.facadeEnv(), trunk), nil
}

func newBTreeMap(env facadeEnv, trunk *Trunk[*BTree]) *BTreeMap {
	m := &BTreeMap{collection: newCollection(env, trunk, (*BTree).Cleared)}
	m.didClear = func() {
		if m.delegate != nil {
			m.delegate.BTreeDidClear()
		}
	}
	return m
}

// SetDelegate sets the map's delegate. Call it before using the map.
func (m *BTreeMap) SetDelegate(d BTreeDelegate) {
	m.delegate = d
}

func (m *BTreeMap) Get(key []byte) ([]byte, bool, error) {
	type result struct {
		value []byte
		ok    bool
	}
	r, err := withRetry(&m.collection, func() (result, error) {
		v, ok, err := m.Tree().Get(key)
		return result{v, ok}, err
	})
	return r.value, r.ok, err
}

func (m *BTreeMap) ContainsKey(key []byte) (bool, error) {
	return withRetry(&m.collection, func() (bool, error) {
		return m.Tree().ContainsKey(key)
	})
}

// IndexOf returns the position of key, or -(insertion point)-1.
func (m *BTreeMap) IndexOf(key []byte) (int64, error) {
	return withRetry(&m.collection, func() (int64, error) {
		return m.Tree().IndexOf(key)
	})
}

func (m *BTreeMap) GetEntry(index int64) (Entry, error) {
	return withRetry(&m.collection, func() (Entry, error) {
		return m.Tree().GetIndex(index)
	})
}

type entryResult struct {
	entry Entry
	ok    bool
}

func (m *BTreeMap) entry(fn func(t *BTree) (Entry, bool, error)) (Entry, bool, error) {
	r, err := withRetry(&m.collection, func() (entryResult, error) {
		e, ok, err := fn(m.Tree())
		return entryResult{e, ok}, err
	})
	return r.entry, r.ok, err
}

func (m *BTreeMap) FirstEntry() (Entry, bool, error) {
	return m.entry((*BTree).FirstEntry)
}

func (m *BTreeMap) LastEntry() (Entry, bool, error) {
	return m.entry((*BTree).LastEntry)
}

// NextEntry returns the first entry with a key after key.
func (m *BTreeMap) NextEntry(key []byte) (Entry, bool, error) {
	return m.entry(func(t *BTree) (Entry, bool, error) { return t.NextEntry(key) })
}

// PreviousEntry returns the last entry with a key before key.
func (m *BTreeMap) PreviousEntry(key []byte) (Entry, bool, error) {
	return m.entry(func(t *BTree) (Entry, bool, error) { return t.PreviousEntry(key) })
}

// Put sets key to value and returns the previous value, if any.
func (m *BTreeMap) Put(key, value []byte) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := m.update(func(t *BTree, version int64) (*BTree, error) {
			v, _, err := t.Get(key)
			if err != nil {
				return nil, err
			}
			prev = v
			return t.Updated(key, value, version)
		})
		if err != nil || !changed {
			return prev, err
		}
		if m.delegate != nil {
			m.delegate.BTreeDidUpdate(key, value, prev)
		}
		m.didChange()
		return prev, nil
	})
}

// Remove deletes key and returns its value, if it was present.
func (m *BTreeMap) Remove(key []byte) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := m.update(func(t *BTree, version int64) (*BTree, error) {
			v, ok, err := t.Get(key)
			if err != nil || !ok {
				return t, err
			}
			prev = v
			return t.Removed(key, version)
		})
		if err != nil || !changed {
			return prev, err
		}
		if m.delegate != nil {
			m.delegate.BTreeDidRemove(key, prev)
		}
		m.didChange()
		return prev, nil
	})
}

// Drop removes the first lower entries.
func (m *BTreeMap) Drop(lower int64) error {
	_, err := withRetry(&m.collection, func() (struct{}, error) {
		changed, err := m.update(func(t *BTree, version int64) (*BTree, error) {
			return t.Drop(lower, version)
		})
		if err != nil || !changed {
			return struct{}{}, err
		}
		if m.delegate != nil {
			m.delegate.BTreeDidDrop(lower)
		}
		m.didChange()
		return struct{}{}, nil
	})
	return err
}

// Take keeps only the first upper entries.
func (m *BTreeMap) Take(upper int64) error {
	_, err := withRetry(&m.collection, func() (struct{}, error) {
		changed, err := m.update(func(t *BTree, version int64) (*BTree, error) {
			return t.Take(upper, version)
		})
		if err != nil || !changed {
			return struct{}{}, err
		}
		if m.delegate != nil {
			m.delegate.BTreeDidTake(upper)
		}
		m.didChange()
		return struct{}{}, nil
	})
	return err
}

// Clear removes every entry.
func (m *BTreeMap) Clear() {
	m.clear()
}

// Reduced folds every value with acc and comb. Folds are memoized on the
// pages, so repeated calls only revisit changed subtrees.
func (m *BTreeMap) Reduced(identity []byte, acc Accumulator, comb Combiner) ([]byte, error) {
	return withRetry(&m.collection, func() ([]byte, error) {
		var fold []byte
		_, err := m.update(func(t *BTree, version int64) (*BTree, error) {
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

func (m *BTreeMap) Cursor() *Cursor[Entry] {
	return m.Tree().Cursor()
}

func (m *BTreeMap) DepthCursor(depth int) *Cursor[Entry] {
	return m.Tree().DepthCursor(depth)
}

func (m *BTreeMap) DeltaCursor(since int64) *Cursor[Entry] {
	return m.Tree().DeltaCursor(since)
}
