package storage

import (
	"testing"

	"github.com/a-poor/zonedb/bitinterval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qkeys(t *testing.T, c *Cursor[QEntry]) []string {
	t.Helper()
	var out []string
	for c.Next() {
		out = append(out, string(c.Entry().Key))
	}
	require.NoError(t, c.Err())
	return out
}

func TestQTree(t *testing.T) {
	r := bitinterval.FromRange

	t.Run("should find tiles that intersect a query", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewQTree(ctx, 2, 1, TreeOptions{})
		tree, err := tree.Updated([]byte("a"), r(0, 4), r(0, 4), []byte("A"), 1)
		require.NoError(t, err)
		tree, err = tree.Updated([]byte("b"), r(4, 8), r(4, 8), []byte("B"), 1)
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"a", "b"}, qkeys(t, tree.TileCursor(r(0, 8), r(0, 8))))
		assert.Equal(t, []string{"a"}, qkeys(t, tree.TileCursor(r(0, 2), r(0, 2))))

		x, y := tree.Extent()
		assert.True(t, bitinterval.Contains(x, r(0, 8)))
		assert.True(t, bitinterval.Contains(y, r(0, 8)))
	})

	t.Run("should keep every entry reachable after splitting", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewQTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 400; i++ {
			x := bitinterval.FromPoint(uint64(i % 20))
			y := bitinterval.FromPoint(uint64(i / 20))
			var err error
			tree, err = tree.Updated(key(i), x, y, val(i), 1)
			require.NoError(t, err)
		}
		require.False(t, tree.Root().IsLeaf())
		require.Equal(t, int64(400), tree.Span())
		assert.Len(t, qkeys(t, tree.Cursor()), 400)

		for _, i := range []int{0, 57, 399} {
			v, ok, err := tree.Get(key(i), bitinterval.FromPoint(uint64(i%20)), bitinterval.FromPoint(uint64(i/20)))
			require.NoError(t, err)
			require.True(t, ok, "key %d", i)
			assert.Equal(t, val(i), v)
		}

		// An 8 by 8 block of points
		got := qkeys(t, tree.TileCursor(r(0, 8), r(0, 8)))
		assert.Len(t, got, 64)
	})

	t.Run("should move and remove entries", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewQTree(ctx, 2, 1, TreeOptions{})
		tree, err := tree.Updated([]byte("k"), r(0, 1), r(0, 1), []byte("v1"), 1)
		require.NoError(t, err)

		tree, err = tree.Moved([]byte("k"), r(0, 1), r(0, 1), r(9, 10), r(9, 10), []byte("v2"), 1)
		require.NoError(t, err)
		ok, err := tree.ContainsKey([]byte("k"), r(0, 1), r(0, 1))
		require.NoError(t, err)
		assert.False(t, ok)
		v, ok, err := tree.Get([]byte("k"), r(9, 10), r(9, 10))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), v)

		tree, err = tree.Removed([]byte("k"), r(9, 10), r(9, 10), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), tree.Span())
	})

	t.Run("should shrink back after removing most entries", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewQTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 200; i++ {
			var err error
			tree, err = tree.Updated(key(i), bitinterval.FromPoint(uint64(i)), bitinterval.FromPoint(0), val(i), 1)
			require.NoError(t, err)
		}
		for i := 0; i < 195; i++ {
			var err error
			tree, err = tree.Removed(key(i), bitinterval.FromPoint(uint64(i)), bitinterval.FromPoint(0), 1)
			require.NoError(t, err)
		}
		assert.Equal(t, int64(5), tree.Span())
		assert.Equal(t, []string{"0195", "0196", "0197", "0198", "0199"}, sortedStrings(qkeys(t, tree.Cursor())))
	})
}
