package storage

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Reserved stems.
const (
	metaStem  = 0
	seedStem  = 1
	firstStem = 2
)

// Meta tree keys.
var (
	metaKeyStem    = []byte("stem")
	metaKeyCreated = []byte("created")
	metaKeyUpdated = []byte("updated")
	metaKeySeed    = []byte("seed")
)

// Database owns the named trees of a store and turns their changes into
// commits. The seed tree maps tree names to their seeds, and the meta tree
// holds the database counters and the seed tree's own seed.
//
// All shared state is updated with atomic operations; nothing here takes
// a lock. Closed trunks linger in the trunk table until their changes
// are durable, so a reopen never reads a stale seed.
type Database struct {
	ctx *PageContext
	log logrus.FieldLogger

	stem     atomic.Int64
	version  atomic.Int64
	post     atomic.Int32
	diffSize atomic.Int64
	treeSize atomic.Int64
	created  int64

	meta    *Trunk[*BTree]
	seeds   *Trunk[*BTree]
	trunks  sync.Map
	sprouts atomic.Pointer[sproutSet]
}

// sproutSet is an immutable set of trunks with uncommitted changes.
type sproutSet struct {
	trunks map[string]trunk
}

var emptySprouts = &sproutSet{}

// CreateDatabase creates an empty, uncommitted database.
func CreateDatabase(ctx *PageContext) *Database {
	db := &Database{ctx: ctx, log: ctx.Log, created: nowMillis()}
	db.stem.Store(firstStem)
	db.version.Store(1)
	db.sprouts.Store(emptySprouts)

	opts := TreeOptions{Resident: true}
	db.meta = newTrunk(db, "", NewBTree(ctx, metaStem, 1, opts))
	db.seeds = newTrunk(db, "", NewBTree(ctx, seedStem, 1, opts))
	return db
}

// OpenDatabase opens the database anchored by germ.
func OpenDatabase(ctx context.Context, pctx *PageContext, germ Germ) (*Database, error) {
	if germ.Seed == nil {
		db := CreateDatabase(pctx)
		if germ.Version > 0 {
			db.version.Store(germ.Version)
		}
		if germ.Stem > firstStem {
			db.stem.Store(germ.Stem)
		}
		return db, nil
	}

	db := &Database{ctx: pctx, log: pctx.Log, created: germ.Created}
	db.version.Store(max(germ.Version, 1))
	db.sprouts.Store(emptySprouts)

	// Meta tree first; it points at the seed tree
	opts := TreeOptions{Resident: true}
	metaSeed, err := decodeSeed(pctx, germ.Seed, true)
	if err != nil {
		return nil, err
	}
	meta, err := loadResidentTree(ctx, pctx, metaSeed, opts)
	if err != nil {
		return nil, err
	}
	db.meta = newTrunk(db, "", meta.(*BTree))

	b, ok, err := db.meta.Tree().Get(metaKeySeed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corruptError("meta", errors.New("meta tree has no seed"))
	}
	seedSeed, err := decodeSeed(pctx, b, true)
	if err != nil {
		return nil, err
	}
	seeds, err := loadResidentTree(ctx, pctx, seedSeed, opts)
	if err != nil {
		return nil, err
	}
	db.seeds = newTrunk(db, "", seeds.(*BTree))

	// The stem counter lives in both the germ and the meta tree
	stem := max(germ.Stem, firstStem)
	if b, ok, err := db.meta.Tree().Get(metaKeyStem); err != nil {
		return nil, err
	} else if ok {
		n, err := decodeInt(b)
		if err != nil {
			return nil, corruptError("meta", err)
		}
		stem = max(stem, n)
	}
	db.stem.Store(stem)
	if err := db.updateTreeSize(); err != nil {
		return nil, err
	}
	return db, nil
}

func loadResidentTree(ctx context.Context, pctx *PageContext, seed Seed, opts TreeOptions) (Tree, error) {
	if seed.Type != BTreeType {
		return nil, corruptError("seed", errors.Wrapf(ErrTreeType, "expected a btree, found %s", seed.Type))
	}
	ctx, cancel := context.WithTimeout(ctx, pctx.Settings.TreeLoadTimeout.Std())
	defer cancel()
	if _, err := seed.Root.LoadTreeAsync().Await(ctx); err != nil {
		return nil, err
	}
	return newTree(seed, opts)
}

// Version returns the version new changes are stamped with. The next
// commit writes them under this version.
func (db *Database) Version() int64 {
	return db.version.Load()
}

// Stem returns the next tree id to hand out.
func (db *Database) Stem() int64 {
	return db.stem.Load()
}

// Post returns the current evacuation goal.
func (db *Database) Post() int32 {
	return db.post.Load()
}

// DiffSize estimates the bytes the next commit will write.
func (db *Database) DiffSize() int64 {
	return db.diffSize.Load()
}

// TreeSize returns the size of every committed tree as of the last commit.
func (db *Database) TreeSize() int64 {
	return db.treeSize.Load()
}

// Created returns the database creation time in unix milliseconds.
func (db *Database) Created() int64 {
	return db.created
}

// Context returns the database's page context.
func (db *Database) Context() *PageContext {
	return db.ctx
}

// HasChanges reports whether a commit would write anything.
func (db *Database) HasChanges() bool {
	return len(db.sprouts.Load().trunks) > 0 ||
		!db.seeds.Tree().Root().IsCommitted() ||
		!db.meta.Tree().Root().IsCommitted()
}

func (db *Database) treeDidUpdate(t trunk, old, new Tree) {
	if new.IsTransient() {
		return
	}
	db.diffSize.Add(new.DiffSize() - old.DiffSize())
	if db.isSystem(t) {
		return
	}
	db.addSprout(t)
}

// isSystem reports whether t is the seed or meta trunk. Those commit
// after the data trees and are never sprouts.
func (db *Database) isSystem(t trunk) bool {
	return t == trunk(db.seeds) || t == trunk(db.meta)
}

func (db *Database) addSprout(t trunk) {
	for {
		old := db.sprouts.Load()
		if cur, ok := old.trunks[t.Name()]; ok && cur == t {
			return
		}
		next := &sproutSet{trunks: make(map[string]trunk, len(old.trunks)+1)}
		for k, v := range old.trunks {
			next.trunks[k] = v
		}
		next.trunks[t.Name()] = t
		if db.sprouts.CompareAndSwap(old, next) {
			return
		}
	}
}

// OpenTrunk returns the trunk for name, creating the tree when it doesn't
// exist yet. Concurrent opens of the same name return the same trunk.
func OpenTrunk[T Tree](ctx context.Context, db *Database, name string, typ TreeType, opts TreeOptions) (*Trunk[T], error) {
	t, err := db.openTrunk(ctx, name, typ, opts, false)
	if err != nil {
		return nil, err
	}
	tt, ok := t.(*Trunk[T])
	if !ok {
		return nil, errors.Wrapf(ErrTreeType, "tree %q is a %s", name, t.current().Type())
	}
	return tt, nil
}

func (db *Database) OpenBTree(ctx context.Context, name string, opts TreeOptions) (*Trunk[*BTree], error) {
	return OpenTrunk[*BTree](ctx, db, name, BTreeType, opts)
}

func (db *Database) OpenQTree(ctx context.Context, name string, opts TreeOptions) (*Trunk[*QTree], error) {
	return OpenTrunk[*QTree](ctx, db, name, QTreeType, opts)
}

func (db *Database) OpenSTree(ctx context.Context, name string, opts TreeOptions) (*Trunk[*STree], error) {
	return OpenTrunk[*STree](ctx, db, name, STreeType, opts)
}

func (db *Database) OpenUTree(ctx context.Context, name string, opts TreeOptions) (*Trunk[*UTree], error) {
	return OpenTrunk[*UTree](ctx, db, name, UTreeType, opts)
}

// openTrunk finds or creates a trunk. A zero typ only opens trees that
// already exist. Implicit opens, made by the database itself, leave the
// trunk closing so it's dropped again once it's clean.
func (db *Database) openTrunk(ctx context.Context, name string, typ TreeType, opts TreeOptions, implicit bool) (trunk, error) {
	if v, ok := db.trunks.Load(name); ok {
		return db.reopened(ctx, v.(trunk), opts, implicit), nil
	}

	// A closed trunk with pending changes is still a sprout
	if t, ok := db.sprouts.Load().trunks[name]; ok && !t.isRemoved() {
		t.setClosing(implicit)
		if v, loaded := db.trunks.LoadOrStore(name, t); loaded {
			return db.reopened(ctx, v.(trunk), opts, implicit), nil
		}
		return db.reopened(ctx, t, opts, implicit), nil
	}

	// Look for a committed seed
	var tree Tree
	b, ok, err := db.seeds.Tree().Get([]byte(name))
	if err != nil {
		return nil, err
	}
	created := false
	if ok {
		seed, err := decodeSeed(db.ctx, b, opts.Resident)
		if err != nil {
			return nil, err
		}
		if typ != 0 && seed.Type != typ {
			return nil, errors.Wrapf(ErrTreeType, "tree %q is a %s", name, seed.Type)
		}
		if opts.Resident {
			ctx, cancel := context.WithTimeout(ctx, db.ctx.Settings.TreeLoadTimeout.Std())
			_, err := seed.Root.LoadTreeAsync().Await(ctx)
			cancel()
			if err != nil {
				return nil, err
			}
		}
		if tree, err = newTree(seed, opts); err != nil {
			return nil, err
		}
	} else {
		if typ == 0 {
			return nil, errors.Errorf("tree %q does not exist", name)
		}
		stem := db.stem.Add(1) - 1
		if tree, err = emptyTree(db.ctx, typ, stem, db.Version(), opts); err != nil {
			return nil, err
		}
		created = true
	}

	t := newTrunkFor(db, name, tree)
	t.setClosing(implicit)
	if v, loaded := db.trunks.LoadOrStore(name, t); loaded {
		// Lost the race; the speculative trunk is dropped
		return db.reopened(ctx, v.(trunk), opts, implicit), nil
	}
	if created && !opts.Transient {
		db.addSprout(t)
		db.diffSize.Add(tree.DiffSize())
	}
	db.log.WithFields(logrus.Fields{"tree": name, "type": tree.Type(), "created": created}).Debug("opened tree")
	return t, nil
}

func newTrunkFor(db *Database, name string, tree Tree) trunk {
	switch t := tree.(type) {
	case *BTree:
		return newTrunk(db, name, t)
	case *QTree:
		return newTrunk(db, name, t)
	case *STree:
		return newTrunk(db, name, t)
	case *UTree:
		return newTrunk(db, name, t)
	}
	panic(errors.Wrapf(ErrTreeType, "unknown tree %T", tree))
}

// reopened reconciles an already open trunk with a new open of it. An
// explicit open keeps it from being dropped, and asking for a resident
// tree makes it resident, right away when it's clean and after the next
// write otherwise.
func (db *Database) reopened(ctx context.Context, t trunk, opts TreeOptions, implicit bool) trunk {
	if implicit {
		return t
	}
	t.setClosing(false)
	if opts.Resident && !t.current().IsResident() {
		t.setWantResident(true)
		if db.isClean(t) {
			if err := db.makeResident(ctx, t); err != nil {
				db.log.WithError(err).WithField("tree", t.Name()).Warn("failed to load tree")
			}
		}
	}
	return t
}

// CloseTrunk forgets an open trunk. A trunk with pending changes stays
// registered until they are durable.
func (db *Database) CloseTrunk(name string) {
	v, ok := db.trunks.Load(name)
	if !ok {
		return
	}
	t := v.(trunk)
	t.setClosing(true)
	db.release(t)
}

// release drops a closing trunk once nothing of it is left to write.
func (db *Database) release(t trunk) {
	if !t.current().IsTransient() && !db.isClean(t) {
		return
	}
	if !db.trunks.CompareAndDelete(t.Name(), t) {
		return
	}

	// Reopened in the meantime
	if !t.isClosing() {
		db.trunks.LoadOrStore(t.Name(), t)
		return
	}
	db.log.WithField("tree", t.Name()).Debug("closed tree")
}

// isClean reports whether t's current tree is exactly the one its seed
// in the seed tree describes.
func (db *Database) isClean(t trunk) bool {
	if _, ok := db.sprouts.Load().trunks[t.Name()]; ok {
		return false
	}
	cur := t.current()
	if cur.IsTransient() || !cur.Root().IsCommitted() {
		return false
	}
	b, ok, err := db.seeds.Tree().Get([]byte(t.Name()))
	if err != nil || !ok {
		return false
	}
	want, err := encodeSeed(cur.Seed())
	return err == nil && bytes.Equal(b, want)
}

// makeResident reloads a clean trunk's tree with every page held.
func (db *Database) makeResident(ctx context.Context, t trunk) error {
	for {
		old := t.current()
		if old.IsResident() {
			t.setWantResident(false)
			return nil
		}
		b, err := encodeSeed(old.Seed())
		if err != nil {
			return err
		}
		seed, err := decodeSeed(db.ctx, b, true)
		if err != nil {
			return err
		}
		lctx, cancel := context.WithTimeout(ctx, db.ctx.Settings.TreeLoadTimeout.Std())
		_, err = seed.Root.LoadTreeAsync().Await(lctx)
		cancel()
		if err != nil {
			return err
		}
		tree, err := newTree(seed, TreeOptions{Resident: true})
		if err != nil {
			return err
		}
		if t.cas(old, tree) {
			t.setWantResident(false)
			return nil
		}
	}
}

// RemoveTree deletes a tree and its seed.
func (db *Database) RemoveTree(name string) error {
	if v, ok := db.trunks.LoadAndDelete(name); ok {
		v.(trunk).markRemoved()
	}
	for {
		version := db.Version()
		old := db.seeds.Tree()
		t, err := old.Removed([]byte(name), version)
		if err != nil {
			return err
		}
		if t == old || db.seeds.UpdateTree(old, t, version) {
			return nil
		}
	}
}

// TreeNames returns the names of every committed or open tree.
func (db *Database) TreeNames() ([]string, error) {
	seen := make(map[string]struct{})
	c := db.seeds.Tree().Cursor()
	for c.Next() {
		seen[string(c.Entry().Key)] = struct{}{}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	db.trunks.Range(func(k, _ any) bool {
		seen[k.(string)] = struct{}{}
		return true
	})

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// CommitChunk commits every sprout, then the seed and meta trees, and
// serializes the result into one chunk for zone at base. On failure the
// commit is unwound.
func (db *Database) CommitChunk(commit Commit, zone int32, base int64) (*Chunk, error) {
	// Take the pending changes
	sprouts := db.sprouts.Swap(emptySprouts)
	db.diffSize.Swap(0)
	version := db.version.Add(1) - 1
	now := nowMillis()

	chunk := &Chunk{
		Version: version,
		Post:    db.post.Load(),
		Zone:    zone,
		Base:    base,
		Commit:  commit,
	}
	fail := func(err error) (*Chunk, error) {
		db.uncommitChunk(chunk, sprouts)
		return nil, err
	}

	// Commit the data trees in name order
	offset := base
	for _, t := range orderedSprouts(sprouts) {
		if t.isRemoved() {
			continue
		}
		for {
			old := t.current()
			if old.IsTransient() {
				break
			}
			tree, end, err := commitTree(old, zone, offset, version, now)
			if err != nil {
				return fail(err)
			}
			if tree == old {
				break
			}
			if t.cas(old, tree) {
				offset = end
				chunk.trunks = append(chunk.trunks, committedTrunk{trunk: t, tree: tree})
				break
			}
		}
	}

	// Then their seeds
	for {
		old := db.seeds.Tree()
		seeds := old
		for _, c := range chunk.trunks {
			b, err := encodeSeed(c.tree.Seed())
			if err != nil {
				return fail(err)
			}
			if seeds, err = seeds.Updated([]byte(c.trunk.Name()), b, version); err != nil {
				return fail(err)
			}
		}
		tree, end, err := commitTree(seeds, zone, offset, version, now)
		if err != nil {
			return fail(err)
		}
		if db.seeds.cas(old, tree) {
			offset = end
			if tree != Tree(old) {
				chunk.trunks = append(chunk.trunks, committedTrunk{trunk: db.seeds, tree: tree})
			}
			break
		}
	}

	// And the meta tree last
	for {
		old := db.meta.Tree()
		seed, err := encodeSeed(db.seeds.Tree().Seed())
		if err != nil {
			return fail(err)
		}
		meta := old
		for _, kv := range []Entry{
			{Key: metaKeyStem, Value: encodeInt(db.stem.Load())},
			{Key: metaKeyCreated, Value: encodeInt(db.created)},
			{Key: metaKeyUpdated, Value: encodeInt(now)},
			{Key: metaKeySeed, Value: seed},
		} {
			if meta, err = meta.Updated(kv.Key, kv.Value, version); err != nil {
				return fail(err)
			}
		}
		tree, end, err := commitTree(meta, zone, offset, version, now)
		if err != nil {
			return fail(err)
		}
		if db.meta.cas(old, tree) {
			offset = end
			chunk.trunks = append(chunk.trunks, committedTrunk{trunk: db.meta, tree: tree})
			break
		}
	}

	// Write everything into one buffer of the exact size
	chunk.Size = offset - base
	chunk.Data = make([]byte, chunk.Size)
	pos := 0
	for _, c := range chunk.trunks {
		if err := writeTreeDiff(c.tree, version, chunk.Data, base, &pos); err != nil {
			return fail(err)
		}
	}
	if int64(pos) != chunk.Size {
		return fail(consistencyError("chunk", "wrote %d bytes into a chunk of %d", pos, chunk.Size))
	}

	metaSeed, err := encodeSeed(db.meta.Tree().Seed())
	if err != nil {
		return fail(err)
	}
	chunk.Germ = Germ{
		Stem:    db.stem.Load(),
		Version: version + 1,
		Created: db.created,
		Updated: now,
		Seed:    metaSeed,
	}

	// Done
	if err := db.updateTreeSize(); err != nil {
		db.log.WithError(err).Warn("failed to update tree size")
	}
	return chunk, nil
}

func orderedSprouts(s *sproutSet) []trunk {
	idx := btree.NewG(8, func(a, b trunk) bool { return a.Name() < b.Name() })
	for _, t := range s.trunks {
		idx.ReplaceOrInsert(t)
	}
	out := make([]trunk, 0, idx.Len())
	idx.Ascend(func(t trunk) bool {
		out = append(out, t)
		return true
	})
	return out
}

// DidWriteChunk is called once a chunk is durable. Pages of non-resident
// trees are handed to the page cache.
func (db *Database) DidWriteChunk(c *Chunk) {
	for _, t := range c.trunks {
		if !t.tree.IsResident() {
			t.tree.Root().soften(c.Version)
		}
	}

	// Closed trunks and residency requests waited for this
	db.trunks.Range(func(_, v any) bool {
		t := v.(trunk)
		switch {
		case t.isClosing():
			db.release(t)
		case t.wantsResident() && db.isClean(t):
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), db.ctx.Settings.TreeLoadTimeout.Std())
				defer cancel()
				if err := db.makeResident(ctx, t); err != nil {
					db.log.WithError(err).WithField("tree", t.Name()).Warn("failed to load tree")
				}
			}()
		}
		return true
	})
}

// DidFailChunk unwinds a chunk that could not be written.
func (db *Database) DidFailChunk(c *Chunk) {
	db.uncommitChunk(c, nil)
}

func (db *Database) uncommitChunk(c *Chunk, sprouts *sproutSet) {
	extra := make([]trunk, 0, len(c.trunks))
	for _, t := range c.trunks {
		extra = append(extra, t.trunk)
	}
	if sprouts != nil {
		for _, t := range sprouts.trunks {
			extra = append(extra, t)
		}
	}
	db.uncommit(c.Version, extra)
}

// Uncommit reverts every open tree's pages committed at or after version.
func (db *Database) Uncommit(version int64) {
	db.uncommit(version, nil)
}

func (db *Database) uncommit(version int64, extra []trunk) {
	seen := make(map[trunk]struct{})
	visit := func(t trunk) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		for {
			old := t.current()
			tree, err := uncommitTree(old, version)
			if err != nil {
				db.log.WithError(err).WithField("tree", t.Name()).Error("failed to uncommit tree")
				return
			}
			if tree == old {
				break
			}
			if t.cas(old, tree) {
				db.diffSize.Add(tree.DiffSize())
				break
			}
		}
		cur := t.current()
		if !db.isSystem(t) && !t.isRemoved() && !cur.IsTransient() && !cur.Root().IsCommitted() {
			db.addSprout(t)
		}
	}

	db.trunks.Range(func(_, v any) bool {
		visit(v.(trunk))
		return true
	})
	for _, t := range extra {
		visit(t)
	}
	visit(db.seeds)
	visit(db.meta)
}

// Evacuate rewrites every page that still depends on a zone below post,
// repeating until a pass changes nothing.
func (db *Database) Evacuate(ctx context.Context, post int32) error {
	db.post.Store(post)
	for {
		names, err := db.TreeNames()
		if err != nil {
			return err
		}

		trunks := []trunk{db.seeds, db.meta}
		for _, name := range names {
			t, err := db.openTrunk(ctx, name, 0, TreeOptions{}, true)
			if err != nil {
				return err
			}
			trunks = append(trunks, t)
		}

		var changed atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for _, t := range trunks {
			g.Go(func() error {
				for gctx.Err() == nil {
					version := db.Version()
					old := t.current()
					tree, err := evacuateTree(old, post, version)
					if err != nil {
						return err
					}
					if tree == old {
						return nil
					}
					if db.isSystem(t) {
						if t.cas(old, tree) {
							changed.Store(true)
							return nil
						}
						continue
					}
					if t.update(old, tree, version) {
						changed.Store(true)
						return nil
					}
				}
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if !changed.Load() {
			return nil
		}
		db.log.WithField("post", post).Debug("evacuated trees")
	}
}

// updateTreeSize sums the committed size of every tree.
func (db *Database) updateTreeSize() error {
	seeds := db.seeds.Tree()
	size := seeds.TreeSize() + db.meta.Tree().TreeSize()
	c := seeds.Cursor()
	for c.Next() {
		var rec seedRecord
		if err := decode(c.Entry().Value, &rec); err != nil {
			return corruptError("seed", err)
		}
		size += rec.Root.Area
	}
	if err := c.Err(); err != nil {
		return err
	}
	db.treeSize.Store(size)
	return nil
}
