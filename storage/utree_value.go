package storage

import (
	"bytes"
	"context"
)

// UTreeValue is a single persistent value.
type UTreeValue struct {
	collection[*UTree]
	delegate UTreeDelegate
}

// UTreeValue opens the named value, creating it if needed.
func (s *Store) UTreeValue(ctx context.Context, name string, opts TreeOptions) (*UTreeValue, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	trunk, err := s.db.OpenUTree(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return newUTreeValue(s.facadeEnv(), trunk), nil
}

func newUTreeValue(env facadeEnv, trunk *Trunk[*UTree]) *UTreeValue {
	cleared := func(t *UTree, version int64) *UTree { return t.Updated(nil, version) }
	return &UTreeValue{collection: newCollection(env, trunk, cleared)}
}

func (v *UTreeValue) SetDelegate(d UTreeDelegate) {
	v.delegate = d
}

func (v *UTreeValue) Get() ([]byte, error) {
	return withRetry(&v.collection, func() ([]byte, error) {
		return v.Tree().Get()
	})
}

// Set replaces the value and returns the previous one.
func (v *UTreeValue) Set(value []byte) ([]byte, error) {
	return withRetry(&v.collection, func() ([]byte, error) {
		var prev []byte
		changed, err := v.update(func(t *UTree, version int64) (*UTree, error) {
			old, err := t.Get()
			if err != nil {
				return nil, err
			}
			prev = old
			if bytes.Equal(old, value) && (old == nil) == (value == nil) {
				return t, nil
			}
			return t.Updated(value, version), nil
		})
		if err != nil || !changed {
			return prev, err
		}
		if v.delegate != nil {
			v.delegate.UTreeDidUpdate(value, prev)
		}
		v.didChange()
		return prev, nil
	})
}
