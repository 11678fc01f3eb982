package storage

import (
	"testing"

	"github.com/a-poor/zonedb/bitinterval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigBTree(t *testing.T, n int) *BTree {
	t.Helper()
	ctx, _ := NewMemContext(testSettings())
	tree := NewBTree(ctx, 2, 1, TreeOptions{})
	for i := 0; i < n; i++ {
		tree = putAll(t, tree, 1, i)
	}
	return tree
}

func TestCursor(t *testing.T) {
	t.Run("should visit nothing in an empty tree", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		c := NewBTree(ctx, 2, 1, TreeOptions{}).Cursor()
		assert.False(t, c.Next())
		assert.False(t, c.Prev())
		assert.NoError(t, c.Err())
	})

	t.Run("should walk backwards from the end", func(t *testing.T) {
		tree := bigBTree(t, 250)
		c := tree.Cursor()
		n := 249
		for c.Prev() {
			require.Equal(t, key(n), c.Entry().Key)
			n--
		}
		require.NoError(t, c.Err())
		assert.Equal(t, -1, n)
	})

	t.Run("should turn around", func(t *testing.T) {
		tree := bigBTree(t, 250)
		c := tree.Cursor()
		for i := 0; i < 120; i++ {
			require.True(t, c.Next())
		}
		assert.Equal(t, key(119), c.Entry().Key)
		require.True(t, c.Prev())
		assert.Equal(t, key(119), c.Entry().Key)
		require.True(t, c.Prev())
		assert.Equal(t, key(118), c.Entry().Key)
	})

	t.Run("should skip by span", func(t *testing.T) {
		tree := bigBTree(t, 250)
		c := tree.Cursor()
		require.True(t, c.Skip(137))
		assert.Equal(t, key(136), c.Entry().Key)
		require.True(t, c.Next())
		assert.Equal(t, key(137), c.Entry().Key)

		require.False(t, tree.Cursor().Skip(251))
	})

	t.Run("should seek to a key", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 300; i += 2 {
			tree = putAll(t, tree, 1, i)
		}
		c, err := tree.CursorFrom(key(101))
		require.NoError(t, err)
		require.True(t, c.Next())
		assert.Equal(t, key(102), c.Entry().Key)
		require.True(t, c.Prev())
		assert.Equal(t, key(102), c.Entry().Key)
		require.True(t, c.Prev())
		assert.Equal(t, key(100), c.Entry().Key)
	})

	t.Run("should stop at the requested depth", func(t *testing.T) {
		tree := bigBTree(t, 500)
		root, err := tree.Root().Page()
		require.NoError(t, err)

		var n int
		c := tree.DepthCursor(1)
		for c.Next() {
			if n == 0 {
				assert.Nil(t, c.Entry().Key)
			}
			n++
		}
		require.NoError(t, c.Err())
		assert.Equal(t, root.ChildCount(), n)
	})

	t.Run("should only visit changed pages", func(t *testing.T) {
		tree := bigBTree(t, 500)
		committed, _, err := commitTree(tree, 1, headerSize, 1, 0)
		require.NoError(t, err)

		changed, err := committed.(*BTree).Updated(key(250), []byte("new"), 2)
		require.NoError(t, err)

		var got []string
		c := changed.DeltaCursor(2)
		for c.Next() {
			got = append(got, string(c.Entry().Key))
		}
		require.NoError(t, c.Err())
		assert.Contains(t, got, string(key(250)))
		assert.Less(t, len(got), 500)

		assert.Empty(t, btreeKeys(t, committed.(*BTree).DeltaCursor(2)))
	})
}

func TestQTreeTileCursor(t *testing.T) {
	t.Run("should count matching entries only", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewQTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 64; i++ {
			var err error
			tree, err = tree.Updated(key(i), bitinterval.FromPoint(uint64(i%8)), bitinterval.FromPoint(uint64(i/8)), val(i), 1)
			require.NoError(t, err)
		}
		c := tree.TileCursor(bitinterval.FromPoint(3), bitinterval.FromPoint(5))
		assert.Equal(t, []string{string(key(43))}, qkeys(t, c))
	})
}
