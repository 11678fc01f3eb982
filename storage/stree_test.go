package storage

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedStrings(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func streeValues(t *testing.T, tree *STree) []string {
	t.Helper()
	var out []string
	c := tree.Cursor()
	for c.Next() {
		out = append(out, string(c.Entry().Value))
	}
	require.NoError(t, c.Err())
	return out
}

func TestSTree(t *testing.T) {
	t.Run("should insert by position", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewSTree(ctx, 2, 1, TreeOptions{})
		var err error
		tree, err = tree.Appended(nil, []byte("b"), 1)
		require.NoError(t, err)
		tree, err = tree.Inserted(0, nil, []byte("a"), 1)
		require.NoError(t, err)
		tree, err = tree.Inserted(2, nil, []byte("c"), 1)
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, streeValues(t, tree))

		e, err := tree.GetEntry(1)
		require.NoError(t, err)
		assert.Len(t, e.Key, IdentityKeyWidth)
		i, err := tree.LookupKey(e.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), i)

		_, err = tree.Inserted(5, nil, []byte("x"), 1)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	})

	t.Run("should index across nodes", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewSTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 500; i++ {
			var err error
			tree, err = tree.Appended(key(i), val(i), 1)
			require.NoError(t, err)
		}
		require.False(t, tree.Root().IsLeaf())

		for _, i := range []int{0, 250, 499} {
			v, err := tree.Get(int64(i))
			require.NoError(t, err)
			assert.Equal(t, val(i), v)

			idx, err := tree.LookupKey(key(i))
			require.NoError(t, err)
			assert.Equal(t, int64(i), idx)
		}

		idx, err := tree.LookupKey([]byte("missing"))
		require.NoError(t, err)
		assert.Equal(t, int64(-1), idx)
	})

	t.Run("should update, remove and move", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewSTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 5; i++ {
			var err error
			tree, err = tree.Appended(key(i), []byte{'a' + byte(i)}, 1)
			require.NoError(t, err)
		}

		tree, err := tree.Updated(2, []byte("C"), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "C", "d", "e"}, streeValues(t, tree))

		tree, err = tree.Moved(0, 4, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "C", "d", "e", "a"}, streeValues(t, tree))

		tree, err = tree.Removed(1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d", "e", "a"}, streeValues(t, tree))

		// Keys travel with their values
		i, err := tree.LookupKey(key(0))
		require.NoError(t, err)
		assert.Equal(t, int64(3), i)
	})

	t.Run("should drop and take", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewSTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 300; i++ {
			var err error
			tree, err = tree.Appended(key(i), val(i), 1)
			require.NoError(t, err)
		}

		tree, err := tree.Drop(100, 1)
		require.NoError(t, err)
		tree, err = tree.Take(10, 1)
		require.NoError(t, err)
		require.Equal(t, int64(10), tree.Span())
		v, err := tree.Get(0)
		require.NoError(t, err)
		assert.Equal(t, val(100), v)
		v, err = tree.Get(9)
		require.NoError(t, err)
		assert.Equal(t, val(109), v)
	})

	t.Run("should split a leaf that outgrows the split size by its values", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewSTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 500; i++ {
			var err error
			tree, err = tree.Appended(key(i), val(i), 1)
			require.NoError(t, err)
		}
		before := countLeaves(t, tree.Root())

		big := make([]byte, 200)
		for i := 0; i < 10; i++ {
			var err error
			tree, err = tree.Updated(int64(i), big, 1)
			require.NoError(t, err)
		}

		assert.Greater(t, countLeaves(t, tree.Root()), before)
		assert.Equal(t, int64(500), tree.Span())
		v, err := tree.Get(9)
		require.NoError(t, err)
		assert.Equal(t, big, v)
		v, err = tree.Get(10)
		require.NoError(t, err)
		assert.Equal(t, val(10), v)
	})
}

func TestUTree(t *testing.T) {
	t.Run("should replace its value", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewUTree(ctx, 2, 1, TreeOptions{})
		v, err := tree.Get()
		require.NoError(t, err)
		assert.Nil(t, v)

		next := tree.Updated([]byte("x"), 1)
		v, err = next.Get()
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), v)
		assert.Equal(t, int64(1), next.Span())

		v, err = tree.Get()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}
