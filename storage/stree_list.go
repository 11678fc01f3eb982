package storage

import (
	"context"
)

// STreeList is a persistent list. Every element carries an identity key
// that stays with it as the list is edited.
type STreeList struct {
	collection[*STree]
	delegate STreeDelegate
}

// STreeList opens the named list, creating it if needed.
func (s *Store) STreeList(ctx context.Context, name string, opts TreeOptions) (*STreeList, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	trunk, err := s.db.OpenSTree(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return newSTreeList(s.facadeEnv(), trunk), nil
}

func newSTreeList(env facadeEnv, trunk *Trunk[*STree]) *STreeList {
	l := &STreeList{collection: newCollection(env, trunk, (*STree).Cleared)}
	l.didClear = func() {
		if l.delegate != nil {
			l.delegate.STreeDidClear()
		}
	}
	return l
}

func (l *STreeList) SetDelegate(d STreeDelegate) {
	l.delegate = d
}

func (l *STreeList) Get(index int64) ([]byte, error) {
	return withRetry(&l.collection, func() ([]byte, error) {
		return l.Tree().Get(index)
	})
}

func (l *STreeList) GetEntry(index int64) (Entry, error) {
	return withRetry(&l.collection, func() (Entry, error) {
		return l.Tree().GetEntry(index)
	})
}

// IndexOf returns the position of the element with identity key, or -1.
func (l *STreeList) IndexOf(key []byte) (int64, error) {
	return withRetry(&l.collection, func() (int64, error) {
		return l.Tree().LookupKey(key)
	})
}

// Set replaces the value at index and returns the previous one.
func (l *STreeList) Set(index int64, value []byte) ([]byte, error) {
	return withRetry(&l.collection, func() ([]byte, error) {
		var prev Entry
		changed, err := l.update(func(t *STree, version int64) (*STree, error) {
			e, err := t.GetEntry(index)
			if err != nil {
				return nil, err
			}
			prev = e
			return t.Updated(index, value, version)
		})
		if err != nil || !changed {
			return prev.Value, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidUpdate(index, prev.Key, value, prev.Value)
		}
		l.didChange()
		return prev.Value, nil
	})
}

// Insert adds an element at index. A nil key gets a fresh identity key,
// which is returned.
func (l *STreeList) Insert(index int64, key, value []byte) ([]byte, error) {
	if key == nil {
		var err error
		if key, err = NewIdentityKey(); err != nil {
			return nil, err
		}
	}
	return withRetry(&l.collection, func() ([]byte, error) {
		_, err := l.update(func(t *STree, version int64) (*STree, error) {
			return t.Inserted(index, key, value, version)
		})
		if err != nil {
			return nil, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidInsert(index, key, value)
		}
		l.didChange()
		return key, nil
	})
}

// Add appends an element and returns its identity key.
func (l *STreeList) Add(key, value []byte) ([]byte, error) {
	if key == nil {
		var err error
		if key, err = NewIdentityKey(); err != nil {
			return nil, err
		}
	}
	return withRetry(&l.collection, func() ([]byte, error) {
		var index int64
		_, err := l.update(func(t *STree, version int64) (*STree, error) {
			index = t.Span()
			return t.Inserted(index, key, value, version)
		})
		if err != nil {
			return nil, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidInsert(index, key, value)
		}
		l.didChange()
		return key, nil
	})
}

// Remove deletes the element at index and returns it.
func (l *STreeList) Remove(index int64) (Entry, error) {
	return withRetry(&l.collection, func() (Entry, error) {
		var prev Entry
		_, err := l.update(func(t *STree, version int64) (*STree, error) {
			e, err := t.GetEntry(index)
			if err != nil {
				return nil, err
			}
			prev = e
			return t.Removed(index, version)
		})
		if err != nil {
			return Entry{}, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidRemove(index, prev.Key, prev.Value)
		}
		l.didChange()
		return prev, nil
	})
}

// Move moves the element at from so that it ends up at index to.
func (l *STreeList) Move(from, to int64) error {
	_, err := withRetry(&l.collection, func() (struct{}, error) {
		var moved Entry
		changed, err := l.update(func(t *STree, version int64) (*STree, error) {
			e, err := t.GetEntry(from)
			if err != nil {
				return nil, err
			}
			moved = e
			return t.Moved(from, to, version)
		})
		if err != nil || !changed {
			return struct{}{}, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidMove(from, to, moved.Key, moved.Value)
		}
		l.didChange()
		return struct{}{}, nil
	})
	return err
}

// Drop removes the first lower elements.
func (l *STreeList) Drop(lower int64) error {
	_, err := withRetry(&l.collection, func() (struct{}, error) {
		changed, err := l.update(func(t *STree, version int64) (*STree, error) {
			return t.Drop(lower, version)
		})
		if err != nil || !changed {
			return struct{}{}, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidDrop(lower)
		}
		l.didChange()
		return struct{}{}, nil
	})
	return err
}

// Take keeps only the first upper elements.
func (l *STreeList) Take(upper int64) error {
	_, err := withRetry(&l.collection, func() (struct{}, error) {
		changed, err := l.update(func(t *STree, version int64) (*STree, error) {
			return t.Take(upper, version)
		})
		if err != nil || !changed {
			return struct{}{}, err
		}
		if l.delegate != nil {
			l.delegate.STreeDidTake(upper)
		}
		l.didChange()
		return struct{}{}, nil
	})
	return err
}

func (l *STreeList) Clear() {
	l.clear()
}

func (l *STreeList) Cursor() *Cursor[Entry] {
	return l.Tree().Cursor()
}
