package storage

import (
	"testing"

	"github.com/a-poor/zonedb/bitinterval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkSizes walks a committed subtree and checks every memoized size
// against the bytes its page encodes to. It returns the subtree's size.
func checkSizes(t *testing.T, ref *PageRef) int64 {
	t.Helper()
	require.True(t, ref.IsCommitted(), "%s", ref)
	page, err := ref.Page()
	require.NoError(t, err)
	frame, err := encodeFrame(page.record(), ref.ctx.Settings.PageCompression)
	require.NoError(t, err)
	assert.Equal(t, int64(len(frame)), ref.PageSize(), "page size of %s", ref)
	assert.Equal(t, page.Span(), ref.Span(), "span of %s", ref)

	total := ref.PageSize()
	if n := page.ChildCount(); n > 0 {
		var span int64
		for i := 0; i < n; i++ {
			total += checkSizes(t, page.Child(i))
			span += page.Child(i).Span()
		}
		if ref.Type() != QTreeType {
			assert.Equal(t, ref.Span(), span, "child spans of %s", ref)
		}
	}
	assert.Equal(t, total, ref.TreeSize(), "tree size of %s", ref)
	return total
}

// sizedCommit commits db and checks the sizes of every named tree, both
// as committed in db and as read back from a fresh database.
func sizedCommit(t *testing.T, db *Database, mem *MemLoader, base *int64, names ...string) {
	t.Helper()
	chunk := memCommit(t, db, mem, base)
	reopened := reopenDatabase(t, mem, chunk)
	for _, name := range names {
		v, ok := db.trunks.Load(name)
		require.True(t, ok, name)
		checkSizes(t, v.(trunk).current().Root())

		tr, err := reopened.openTrunk(bg, name, 0, TreeOptions{}, false)
		require.NoError(t, err)
		checkSizes(t, tr.current().Root())
		assert.Equal(t, v.(trunk).current().Span(), tr.current().Span(), name)
	}
	checkSizes(t, reopened.seeds.Tree().Root())
	checkSizes(t, reopened.meta.Tree().Root())
}

func TestCommittedPageSizes(t *testing.T) {
	t.Run("should size b-tree pages exactly", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		b, err := db.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		var base int64

		// Inserts
		putKeys(t, b, seq(300)...)
		sizedCommit(t, db, mem, &base, "b")

		// Growing values in place
		for i := 0; i < 300; i += 3 {
			update(t, b, func(tree *BTree, v int64) (*BTree, error) {
				return tree.Updated(key(i), append(val(i), val(i)...), v)
			})
		}
		sizedCommit(t, db, mem, &base, "b")

		// Removals down to merges
		for i := 0; i < 280; i++ {
			update(t, b, func(tree *BTree, v int64) (*BTree, error) { return tree.Removed(key(i), v) })
		}
		sizedCommit(t, db, mem, &base, "b")

		putKeys(t, b, seq(300)...)
		update(t, b, func(tree *BTree, v int64) (*BTree, error) { return tree.Drop(50, v) })
		sizedCommit(t, db, mem, &base, "b")
		update(t, b, func(tree *BTree, v int64) (*BTree, error) { return tree.Take(120, v) })
		sizedCommit(t, db, mem, &base, "b")
		assert.Equal(t, int64(120), b.Tree().Span())
	})

	t.Run("should size q-tree pages exactly", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		q, err := db.OpenQTree(bg, "q", TreeOptions{})
		require.NoError(t, err)
		var base int64
		at := func(i int) (uint64, uint64) {
			return bitinterval.FromPoint(uint64(i % 20)), bitinterval.FromPoint(uint64(i / 20))
		}

		for i := 0; i < 300; i++ {
			x, y := at(i)
			update(t, q, func(tree *QTree, v int64) (*QTree, error) { return tree.Updated(key(i), x, y, val(i), v) })
		}
		sizedCommit(t, db, mem, &base, "q")

		for i := 0; i < 300; i += 2 {
			x, y := at(i)
			nx, ny := at(299 - i)
			update(t, q, func(tree *QTree, v int64) (*QTree, error) {
				return tree.Moved(key(i), x, y, nx, ny, append(val(i), val(i)...), v)
			})
		}
		sizedCommit(t, db, mem, &base, "q")

		for i := 1; i < 300; i += 2 {
			x, y := at(i)
			update(t, q, func(tree *QTree, v int64) (*QTree, error) { return tree.Removed(key(i), x, y, v) })
		}
		sizedCommit(t, db, mem, &base, "q")
		assert.Equal(t, int64(150), q.Tree().Span())
	})

	t.Run("should size s-tree pages exactly", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		s, err := db.OpenSTree(bg, "s", TreeOptions{})
		require.NoError(t, err)
		var base int64

		for i := 0; i < 300; i++ {
			update(t, s, func(tree *STree, v int64) (*STree, error) { return tree.Appended(key(i), val(i), v) })
		}
		sizedCommit(t, db, mem, &base, "s")

		for i := 0; i < 300; i += 3 {
			update(t, s, func(tree *STree, v int64) (*STree, error) {
				return tree.Updated(int64(i), append(val(i), val(i)...), v)
			})
		}
		sizedCommit(t, db, mem, &base, "s")

		for i := 0; i < 50; i++ {
			update(t, s, func(tree *STree, v int64) (*STree, error) {
				return tree.Inserted(150, key(1000+i), val(1000+i), v)
			})
		}
		sizedCommit(t, db, mem, &base, "s")

		for i := 0; i < 40; i++ {
			update(t, s, func(tree *STree, v int64) (*STree, error) { return tree.Moved(int64(i), int64(300-i), v) })
		}
		sizedCommit(t, db, mem, &base, "s")

		for i := 0; i < 200; i++ {
			update(t, s, func(tree *STree, v int64) (*STree, error) { return tree.Removed(0, v) })
		}
		sizedCommit(t, db, mem, &base, "s")
		assert.Equal(t, int64(150), s.Tree().Span())

		update(t, s, func(tree *STree, v int64) (*STree, error) { return tree.Drop(20, v) })
		update(t, s, func(tree *STree, v int64) (*STree, error) { return tree.Take(100, v) })
		sizedCommit(t, db, mem, &base, "s")
		assert.Equal(t, int64(100), s.Tree().Span())
	})

	t.Run("should size u-tree pages exactly", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		u, err := db.OpenUTree(bg, "u", TreeOptions{})
		require.NoError(t, err)
		var base int64

		update(t, u, func(tree *UTree, v int64) (*UTree, error) { return tree.Updated(val(1), v), nil })
		sizedCommit(t, db, mem, &base, "u")

		update(t, u, func(tree *UTree, v int64) (*UTree, error) {
			return tree.Updated(make([]byte, 4096), v), nil
		})
		sizedCommit(t, db, mem, &base, "u")
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
