package storage

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBTree(t *testing.T) {
	t.Run("should order keys inserted out of order", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := putAll(t, NewBTree(ctx, 2, 1, TreeOptions{}), 1, 5, 1, 3, 2, 4)

		first, ok, err := tree.FirstEntry()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(1), first.Key)

		last, ok, err := tree.LastEntry()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(5), last.Key)

		i, err := tree.IndexOf(key(3))
		require.NoError(t, err)
		assert.Equal(t, int64(2), i)

		e, err := tree.GetIndex(0)
		require.NoError(t, err)
		assert.Equal(t, key(1), e.Key)
		assert.Equal(t, int64(5), tree.Span())
	})

	t.Run("should report the insertion point of missing keys", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := putAll(t, NewBTree(ctx, 2, 1, TreeOptions{}), 1, 2, 4, 6)

		i, err := tree.IndexOf(key(5))
		require.NoError(t, err)
		assert.Equal(t, int64(-3), i)

		ok, err := tree.ContainsKey(key(5))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should split into nodes past the split size", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 1000; i++ {
			tree = putAll(t, tree, 1, i)
		}

		root := tree.Root()
		require.False(t, root.IsLeaf())
		page, err := root.Page()
		require.NoError(t, err)
		require.GreaterOrEqual(t, page.ChildCount(), 2)

		var children int64
		var spans int64
		for i := 0; i < page.ChildCount(); i++ {
			children += page.Child(i).TreeSize()
			spans += page.Child(i).Span()
		}
		assert.Equal(t, children+root.PageSize(), root.TreeSize())
		assert.Equal(t, int64(1000), spans)
		assert.Equal(t, int64(1000), tree.Span())

		for _, i := range []int{0, 1, 499, 998, 999} {
			v, ok, err := tree.Get(key(i))
			require.NoError(t, err)
			require.True(t, ok, "key %d", i)
			assert.Equal(t, val(i), v)

			idx, err := tree.IndexOf(key(i))
			require.NoError(t, err)
			assert.Equal(t, int64(i), idx)
		}
	})

	t.Run("should keep keys ordered through random inserts and removes", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		rng := rand.New(rand.NewSource(7))
		live := map[int]bool{}
		for n := 0; n < 3000; n++ {
			k := rng.Intn(500)
			var err error
			if rng.Intn(3) == 0 {
				tree, err = tree.Removed(key(k), 1)
				delete(live, k)
			} else {
				tree, err = tree.Updated(key(k), val(k), 1)
				live[k] = true
			}
			require.NoError(t, err)
		}

		var want []string
		for k := range live {
			want = append(want, string(key(k)))
		}
		sort.Strings(want)
		require.Equal(t, want, btreeKeys(t, tree.Cursor()))
		require.Equal(t, int64(len(want)), tree.Span())

		for i, k := range want {
			idx, err := tree.IndexOf([]byte(k))
			require.NoError(t, err)
			require.Equal(t, int64(i), idx)
		}
	})

	t.Run("should leave the old tree untouched", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		old := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 200; i++ {
			old = putAll(t, old, 1, i)
		}
		before := btreeKeys(t, old.Cursor())

		tree, err := old.Removed(key(10), 2)
		require.NoError(t, err)
		tree, err = tree.Updated(key(500), val(500), 2)
		require.NoError(t, err)
		tree, err = tree.Updated(key(20), []byte("changed"), 2)
		require.NoError(t, err)

		assert.Equal(t, before, btreeKeys(t, old.Cursor()))
		v, _, err := old.Get(key(20))
		require.NoError(t, err)
		assert.Equal(t, val(20), v)
		assert.Equal(t, int64(200), old.Span())
		assert.Equal(t, int64(200), tree.Span())
	})

	t.Run("should drop and take by position", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 300; i++ {
			tree = putAll(t, tree, 1, i)
		}

		dropped, err := tree.Drop(100, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(200), dropped.Span())
		first, _, err := dropped.FirstEntry()
		require.NoError(t, err)
		assert.Equal(t, key(100), first.Key)

		taken, err := dropped.Take(50, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(50), taken.Span())
		last, _, err := taken.LastEntry()
		require.NoError(t, err)
		assert.Equal(t, key(149), last.Key)
	})

	t.Run("should step to neighbouring keys", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := putAll(t, NewBTree(ctx, 2, 1, TreeOptions{}), 1, 10, 20, 30)

		next, ok, err := tree.NextEntry(key(15))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(20), next.Key)

		prev, ok, err := tree.PreviousEntry(key(20))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key(10), prev.Key)

		_, ok, err = tree.NextEntry(key(30))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should memoize folds", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 100; i++ {
			tree = putAll(t, tree, 1, i)
		}
		count := func(acc, _ []byte) []byte { return encodeInt(mustInt(t, acc) + 1) }
		sum := func(a, b []byte) []byte { return encodeInt(mustInt(t, a) + mustInt(t, b)) }

		reduced, err := tree.Reduced(encodeInt(0), count, sum, 1)
		require.NoError(t, err)
		fold, ok := reduced.Root().Fold()
		require.True(t, ok)
		assert.Equal(t, int64(100), mustInt(t, fold))
	})

	t.Run("should split a leaf that outgrows the split size by its values", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 1000; i++ {
			tree = putAll(t, tree, 1, i)
		}
		before := countLeaves(t, tree.Root())

		big := make([]byte, 200)
		for i := 0; i < 10; i++ {
			var err error
			tree, err = tree.Updated(key(i), big, 1)
			require.NoError(t, err)
		}

		assert.Greater(t, countLeaves(t, tree.Root()), before)
		assert.Equal(t, int64(1000), tree.Span())
		for _, i := range []int{0, 9, 10, 999} {
			v, ok, err := tree.Get(key(i))
			require.NoError(t, err)
			require.True(t, ok)
			if i < 10 {
				assert.Equal(t, big, v)
			} else {
				assert.Equal(t, val(i), v)
			}
		}
	})
}

func mustInt(t *testing.T, b []byte) int64 {
	t.Helper()
	n, err := decodeInt(b)
	require.NoError(t, err)
	return n
}

func TestPageRoundTrip(t *testing.T) {
	t.Run("should read back every page kind after a commit", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)

		bt, err := db.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		st, err := db.OpenSTree(bg, "s", TreeOptions{})
		require.NoError(t, err)
		ut, err := db.OpenUTree(bg, "u", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 150; i++ {
			update(t, bt, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
			update(t, st, func(tree *STree, v int64) (*STree, error) { return tree.Appended(key(i), val(i), v) })
		}
		update(t, ut, func(tree *UTree, v int64) (*UTree, error) { return tree.Updated([]byte("hello"), v), nil })

		var base int64
		chunk := memCommit(t, db, mem, &base)
		require.Equal(t, int64(len(chunk.Data)), chunk.Size)

		// Reopen from the germ alone
		pctx2 := NewPageContext(testSettings(), nil, func() (PageLoader, error) { return mem, nil })
		db2, err := OpenDatabase(bg, pctx2, chunk.Germ)
		require.NoError(t, err)

		bt2, err := db2.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		assert.Equal(t, btreeKeys(t, bt.Tree().Cursor()), btreeKeys(t, bt2.Tree().Cursor()))
		assert.Equal(t, bt.Tree().TreeSize(), bt2.Tree().TreeSize())

		st2, err := db2.OpenSTree(bg, "s", TreeOptions{})
		require.NoError(t, err)
		require.Equal(t, int64(150), st2.Tree().Span())
		for _, i := range []int{0, 75, 149} {
			e, err := st2.Tree().GetEntry(int64(i))
			require.NoError(t, err)
			assert.Equal(t, key(i), e.Key)
			assert.Equal(t, val(i), e.Value)
		}

		ut2, err := db2.OpenUTree(bg, "u", TreeOptions{})
		require.NoError(t, err)
		v, err := ut2.Tree().Get()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), v)
	})

	t.Run("should write exactly the memoized diff size", func(t *testing.T) {
		ctx, _ := NewMemContext(testSettings())
		tree := NewBTree(ctx, 2, 1, TreeOptions{})
		for i := 0; i < 400; i++ {
			tree = putAll(t, tree, 1, i)
		}

		committed, end, err := commitTree(tree, 1, headerSize, 1, 0)
		require.NoError(t, err)
		size, err := CommittedDiffSize(committed, 1)
		require.NoError(t, err)
		assert.Equal(t, end-headerSize, size)
		assert.Equal(t, size, committed.TreeSize())

		buf := make([]byte, size)
		pos := 0
		require.NoError(t, writeTreeDiff(committed, 1, buf, headerSize, &pos))
		assert.Equal(t, int(size), pos)
	})

	t.Run("should compress pages when asked", func(t *testing.T) {
		s := testSettings()
		s.PageCompression = true
		pctx, mem := NewMemContext(s)
		db := CreateDatabase(pctx)
		bt, err := db.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			update(t, bt, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
		}

		var base int64
		chunk := memCommit(t, db, mem, &base)
		pctx.Cache.Clear()

		db2, err := OpenDatabase(bg, NewPageContext(s, nil, func() (PageLoader, error) { return mem, nil }), chunk.Germ)
		require.NoError(t, err)
		bt2, err := db2.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		assert.Len(t, btreeKeys(t, bt2.Tree().Cursor()), 50)
	})
}
