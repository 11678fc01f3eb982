package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIdentityKey(t *testing.T) {
	t.Run("should generate a new key", func(t *testing.T) {
		key, err := NewIdentityKey()
		require.NoError(t, err)
		require.Len(t, key, IdentityKeyWidth)
	})

	t.Run("should not repeat keys", func(t *testing.T) {
		a, err := NewIdentityKey()
		require.NoError(t, err)
		b, err := NewIdentityKey()
		require.NoError(t, err)
		require.False(t, bytes.Equal(a, b))
	})
}
