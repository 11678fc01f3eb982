package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/a-poor/zonedb/settings"
	"github.com/stretchr/testify/require"
)

// testSettings returns settings with small pages so that trees split
// after a handful of entries.
func testSettings() settings.Settings {
	s := settings.Default()
	s.PageSplitSize = 512
	s.PageMergeSize = 128
	s.AutoCommitInterval = 0
	return s
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("%04d", i))
}

func val(i int) []byte {
	return []byte(fmt.Sprintf("value-%d", i))
}

// putAll inserts keys into a fresh B-tree in the given order.
func putAll(t *testing.T, tree *BTree, version int64, keys ...int) *BTree {
	t.Helper()
	for _, k := range keys {
		var err error
		tree, err = tree.Updated(key(k), val(k), version)
		require.NoError(t, err)
	}
	return tree
}

func btreeKeys(t *testing.T, c *Cursor[Entry]) []string {
	t.Helper()
	var out []string
	for c.Next() {
		out = append(out, string(c.Entry().Key))
	}
	require.NoError(t, c.Err())
	return out
}

// update installs fn's tree on the trunk, retrying on conflicts.
func update[T Tree](t *testing.T, trunk *Trunk[T], fn func(tree T, version int64) (T, error)) {
	t.Helper()
	for {
		version := trunk.Database().Version()
		old := trunk.Tree()
		tree, err := fn(old, version)
		require.NoError(t, err)
		if trunk.UpdateTree(old, tree, version) {
			return
		}
	}
}

// memCommit commits db into zone 1 of mem.
func memCommit(t *testing.T, db *Database, mem *MemLoader, base *int64) *Chunk {
	t.Helper()
	if *base == 0 {
		*base = headerSize
	}
	chunk, err := db.CommitChunk(Commit{}, 1, *base)
	require.NoError(t, err)
	mem.WriteChunk(chunk)
	db.DidWriteChunk(chunk)
	*base += chunk.Size
	return chunk
}

func testEnv() facadeEnv {
	return facadeEnv{log: discardLogger(), retries: 2}
}

var bg = context.Background()

func countLeaves(t *testing.T, ref *PageRef) int {
	t.Helper()
	if ref.IsLeaf() {
		return 1
	}
	page, err := ref.Page()
	require.NoError(t, err)
	n := 0
	for i := 0; i < page.ChildCount(); i++ {
		n += countLeaves(t, page.Child(i))
	}
	return n
}
