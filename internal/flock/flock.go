// Package flock takes advisory whole-file locks around zone writes.
package flock

import "os"

// Lock holds an exclusive lock on f until Unlock is called.
type Lock struct {
	f *os.File
}

// Exclusive blocks until an exclusive lock on f is held.
func Exclusive(f *os.File) (*Lock, error) {
	if err := lock(f); err != nil {
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock. It is safe to call on a nil Lock.
func (l *Lock) Unlock() error {
	if l == nil {
		return nil
	}
	return unlock(l.f)
}
