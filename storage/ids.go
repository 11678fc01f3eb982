package storage

import (
	"github.com/google/uuid"
)

// IdentityKeyWidth is the length of generated S-tree identity keys.
const IdentityKeyWidth = 16

// NewIdentityKey generates a random identity key for a new S-tree slot.
func NewIdentityKey() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, transientError("", err)
	}
	key := make([]byte, IdentityKeyWidth)
	copy(key, id[:])
	return key, nil
}
