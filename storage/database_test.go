package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabase(t *testing.T) {
	t.Run("should hand out stems from two up", func(t *testing.T) {
		pctx, _ := NewMemContext(testSettings())
		db := CreateDatabase(pctx)

		a, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		b, err := db.OpenSTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.Tree().Seed().Stem)
		assert.Equal(t, int64(3), b.Tree().Seed().Stem)

		again, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		assert.Same(t, a, again)

		_, err = db.OpenQTree(bg, "a", TreeOptions{})
		assert.ErrorIs(t, err, ErrTreeType)
	})

	t.Run("should resolve racing opens to one trunk", func(t *testing.T) {
		pctx, _ := NewMemContext(testSettings())
		db := CreateDatabase(pctx)

		var wg sync.WaitGroup
		trunks := make([]*Trunk[*BTree], 16)
		for i := range trunks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := db.OpenBTree(bg, "shared", TreeOptions{})
				if err == nil {
					trunks[i] = tr
				}
			}()
		}
		wg.Wait()
		for _, tr := range trunks {
			assert.Same(t, trunks[0], tr)
		}
	})

	t.Run("should let exactly one of two racing updates win", func(t *testing.T) {
		pctx, _ := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		trunk, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)

		version := db.Version()
		old := trunk.Tree()
		t1, err := old.Updated(key(1), val(1), version)
		require.NoError(t, err)
		t2, err := old.Updated(key(2), val(2), version)
		require.NoError(t, err)

		assert.True(t, trunk.UpdateTree(old, t1, version))
		assert.False(t, trunk.UpdateTree(old, t2, version))

		// The loser retries from the new state
		update(t, trunk, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(2), val(2), v) })
		assert.Equal(t, []string{"0001", "0002"}, btreeKeys(t, trunk.Tree().Cursor()))
	})

	t.Run("should reject updates from before a commit", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		trunk, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)

		version := db.Version()
		old := trunk.Tree()
		next, err := old.Updated(key(1), val(1), version)
		require.NoError(t, err)

		var base int64
		memCommit(t, db, mem, &base)
		assert.False(t, trunk.UpdateTree(old, next, version))
	})

	t.Run("should lose no updates under contention", func(t *testing.T) {
		pctx, _ := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		trunk, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					k := w*50 + i
					for {
						version := db.Version()
						old := trunk.Tree()
						next, err := old.Updated(key(k), val(k), version)
						if err != nil {
							t.Error(err)
							return
						}
						if trunk.UpdateTree(old, next, version) {
							break
						}
					}
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(400), trunk.Tree().Span())
	})

	t.Run("should commit and reopen", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		trunk, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			update(t, trunk, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
		}
		require.True(t, db.HasChanges())
		require.Greater(t, db.DiffSize(), int64(0))

		var base int64
		chunk := memCommit(t, db, mem, &base)
		assert.False(t, db.HasChanges())
		assert.Equal(t, int64(0), db.DiffSize())
		assert.Equal(t, chunk.Version+1, db.Version())
		assert.Equal(t, chunk.Version+1, chunk.Germ.Version)
		assert.Equal(t, chunk.Size, db.TreeSize())

		db2, err := OpenDatabase(bg, NewPageContext(testSettings(), nil, func() (PageLoader, error) { return mem, nil }), chunk.Germ)
		require.NoError(t, err)
		assert.Equal(t, db.Version(), db2.Version())
		assert.Equal(t, db.Stem(), db2.Stem())
		names, err := db2.TreeNames()
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, names)

		a2, err := db2.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		assert.Len(t, btreeKeys(t, a2.Tree().Cursor()), 100)

		// New trees after a reopen don't reuse stems
		b2, err := db2.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), b2.Tree().Seed().Stem)
	})

	t.Run("should only write what changed", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		a, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		b, err := db.OpenBTree(bg, "b", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			update(t, a, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
			update(t, b, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
		}

		var base int64
		memCommit(t, db, mem, &base)
		update(t, a, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(5), []byte("x"), v) })
		chunk := memCommit(t, db, mem, &base)

		bd, err := CommittedDiffSize(b.Tree(), chunk.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(0), bd)
		ad, err := CommittedDiffSize(a.Tree(), chunk.Version)
		require.NoError(t, err)
		assert.Greater(t, ad, int64(0))
		assert.Less(t, ad, a.Tree().TreeSize())
	})

	t.Run("should unwind a commit", func(t *testing.T) {
		pctx, _ := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		trunk, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			update(t, trunk, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
		}
		before := btreeKeys(t, trunk.Tree().Cursor())
		treeSize := trunk.Tree().TreeSize()

		chunk, err := db.CommitChunk(Commit{}, 1, headerSize)
		require.NoError(t, err)
		require.True(t, trunk.Tree().Root().IsCommitted())

		db.Uncommit(chunk.Version)
		tree := trunk.Tree()
		assert.False(t, tree.Root().IsCommitted())
		d, err := CommittedDiffSize(tree, chunk.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(0), d)
		assert.Equal(t, before, btreeKeys(t, tree.Cursor()))
		assert.Equal(t, treeSize, tree.TreeSize())
		assert.True(t, db.HasChanges())

		// And it commits again cleanly
		again, err := db.CommitChunk(Commit{}, 1, headerSize)
		require.NoError(t, err)
		assert.Equal(t, chunk.Version+1, again.Version)
		assert.True(t, trunk.Tree().Root().IsCommitted())
	})

	t.Run("should remove trees", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		a, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		update(t, a, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(1), val(1), v) })

		var base int64
		memCommit(t, db, mem, &base)
		require.NoError(t, db.RemoveTree("a"))
		chunk := memCommit(t, db, mem, &base)

		db2, err := OpenDatabase(bg, NewPageContext(testSettings(), nil, func() (PageLoader, error) { return mem, nil }), chunk.Germ)
		require.NoError(t, err)
		names, err := db2.TreeNames()
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("should not commit transient trees", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		tr, err := db.OpenBTree(bg, "scratch", TreeOptions{Transient: true})
		require.NoError(t, err)
		update(t, tr, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(1), val(1), v) })

		var base int64
		chunk := memCommit(t, db, mem, &base)
		assert.False(t, tr.Tree().Root().IsCommitted())

		db2, err := OpenDatabase(bg, NewPageContext(testSettings(), nil, func() (PageLoader, error) { return mem, nil }), chunk.Germ)
		require.NoError(t, err)
		names, err := db2.TreeNames()
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("should move pages out of old zones", func(t *testing.T) {
		pctx, mem := NewMemContext(testSettings())
		db := CreateDatabase(pctx)
		a, err := db.OpenBTree(bg, "a", TreeOptions{})
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			update(t, a, func(tree *BTree, v int64) (*BTree, error) { return tree.Updated(key(i), val(i), v) })
		}
		var base int64
		memCommit(t, db, mem, &base)

		require.NoError(t, db.Evacuate(bg, 2))
		assert.True(t, db.HasChanges())

		chunk, err := db.CommitChunk(Commit{}, 2, headerSize)
		require.NoError(t, err)
		mem.WriteChunk(chunk)
		assert.Equal(t, int32(2), a.Tree().Root().Post())
		assert.Equal(t, int32(2), a.Tree().Root().Zone())
		assert.Len(t, btreeKeys(t, a.Tree().Cursor()), 100)
	})
}
