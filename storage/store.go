package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-poor/zonedb/settings"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store status bits.
const (
	statusOpening uint32 = 1 << iota
	statusOpened
	statusFailed
	statusClosing
	statusClosed
)

// Options configure a store.
type Options struct {
	// Settings default to settings.Default() when zero.
	Settings settings.Settings

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Delegate is notified after every facade change. The store itself
	// is used when nil.
	Delegate TreeDelegate
}

// Store persists a database to a directory of zone files.
type Store struct {
	id       string
	dir      string
	base     string
	settings settings.Settings
	log      logrus.FieldLogger
	delegate TreeDelegate

	ctx   *PageContext
	db    *Database
	zones *zoneIndex
	zone  atomic.Pointer[Zone]

	status  atomic.Uint32
	writeMu sync.Mutex

	commitCh  chan Commit
	compactor *compactor
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open opens, or creates, the store named base in dir.
func Open(ctx context.Context, dir, base string, opts Options) (*Store, error) {
	// Fill in the defaults
	s := opts.Settings
	if s == (settings.Settings{}) {
		s = settings.Default()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uuid.NewString()

	st := &Store{
		id:       id,
		dir:      dir,
		base:     base,
		settings: s,
		log:      log.WithFields(logrus.Fields{"store": base, "id": id}),
		delegate: opts.Delegate,
		zones:    newZoneIndex(),
		commitCh: make(chan Commit, 1),
	}
	if st.delegate == nil {
		st.delegate = st
	}
	st.status.Store(statusOpening)
	st.ctx = NewPageContext(s, st.log, func() (PageLoader, error) {
		return newZoneReader(dir, st.zoneName), nil
	})

	ctx, cancel := context.WithTimeout(ctx, s.DatabaseOpenTimeout.Std())
	defer cancel()
	if err := st.open(ctx); err != nil {
		st.status.Store(statusFailed)
		st.closeZones(context.Background())
		return nil, err
	}

	// Start the background work
	bg, stop := context.WithCancel(context.Background())
	st.cancel = stop
	st.compactor = newCompactor(st)
	st.wg.Add(2)
	go st.autoCommit(bg)
	go st.compactor.run(bg)

	st.status.Store(statusOpened)
	st.log.WithFields(logrus.Fields{
		"zones":   st.zones.len(),
		"version": st.db.Version(),
	}).Info("opened store")
	return st, nil
}

func (s *Store) zoneName(id int32) string {
	return zoneFileName(s.base, id, s.settings.FileExtension)
}

func (s *Store) zonePath(id int32) string {
	return filepath.Join(s.dir, s.zoneName(id))
}

// open scans the directory and opens the newest readable zone.
func (s *Store) open(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return transientError(s.dir, err)
	}

	// List the zone files, newest first
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return transientError(s.dir, err)
	}
	re := zoneFilePattern(s.base, s.settings.FileExtension)
	var ids []int32
	for _, e := range entries {
		if id, ok := parseZoneID(re, e.Name()); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	s.log.WithField("zones", len(ids)).Debug("scanned zones")

	// Find the newest zone with a usable germ
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return transientError(s.dir, err)
		}
		path := s.zonePath(id)
		z, err := OpenZone(path, id, s.log)
		if err != nil {
			if !IsCorrupt(err) && !errors.Is(err, ErrNoGerm) {
				return err
			}
			dst, rerr := setAside(path, uuid.NewString())
			if rerr != nil {
				return transientError(path, rerr)
			}
			s.log.WithError(err).WithField("path", dst).Warn("set aside unreadable zone")
			continue
		}

		db, err := OpenDatabase(ctx, s.ctx, z.Germ())
		if err != nil {
			z.Close(ctx)
			return err
		}
		s.db = db
		s.zones.insert(z)
		s.zone.Store(z)

		// Older zones are only read
		for _, old := range ids[i+1:] {
			oz, err := archivedZone(s.zonePath(old), old, s.log)
			if err != nil {
				return err
			}
			s.zones.insert(oz)
		}
		return nil
	}

	// Nothing usable; start over with zone 1 unless it's still taken
	next := int32(1)
	if len(ids) > 0 {
		next = ids[0] + 1
	}
	z, err := CreateZone(s.zonePath(next), next, Germ{}, s.log)
	if err != nil {
		return err
	}
	s.db = CreateDatabase(s.ctx)
	s.zones.insert(z)
	s.zone.Store(z)
	if _, err := s.commit(Commit{Forced: true}); err != nil {
		return err
	}
	return nil
}

// archivedZone registers an older zone without opening it for writing.
func archivedZone(path string, id int32, log logrus.FieldLogger) (*Zone, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, transientError(path, err)
	}
	z := &Zone{id: id, path: path, log: log.WithField("zone", id)}
	z.size.Store(info.Size())
	return z, nil
}

func (s *Store) checkOpen() error {
	st := s.status.Load()
	switch {
	case st&(statusClosing|statusClosed) != 0:
		return ErrClosed
	case st&statusOpened == 0:
		return ErrNotOpen
	}
	return nil
}

// Database returns the store's database.
func (s *Store) Database() *Database {
	return s.db
}

func (s *Store) Settings() settings.Settings {
	return s.settings
}

// Zone returns the zone commits are currently written to.
func (s *Store) Zone() *Zone {
	return s.zone.Load()
}

// Zones returns every zone in id order.
func (s *Store) Zones() []*Zone {
	return s.zones.all()
}

// Size returns the total size of every zone.
func (s *Store) Size() int64 {
	return s.zones.size()
}

// Commit writes the database's pending changes, waiting at most the
// configured commit timeout.
func (s *Store) Commit(ctx context.Context, commit Commit) (*Chunk, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.DatabaseCommitTimeout.Std())
	defer cancel()
	return s.CommitAsync(commit).Await(ctx)
}

// CommitAsync commits in the background.
func (s *Store) CommitAsync(commit Commit) *Future[*Chunk] {
	return Go(func() (*Chunk, error) {
		return s.commit(commit)
	})
}

// commit writes one chunk to the current zone. It returns a nil chunk
// when there was nothing to write.
func (s *Store) commit(commit Commit) (*Chunk, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !commit.Forced && !commit.Shifted && !s.db.HasChanges() {
		return nil, nil
	}

	z := s.zone.Load()
	var chunk *Chunk
	if commit.Forced || s.db.HasChanges() {
		c, err := z.WriteChunk(s.db, commit)
		if err != nil {
			s.log.WithError(err).Error("commit failed")
			return nil, err
		}
		chunk = c
		s.log.WithFields(logrus.Fields{
			"zone":    z.ID(),
			"version": c.Version,
			"size":    c.Size,
		}).Info("committed")
	}

	// Rotate once the zone is big enough
	if commit.Shifted || z.Size() > s.settings.MaxZoneSize {
		if err := s.shiftLocked(); err != nil {
			return chunk, err
		}
	}

	if !commit.Closed && s.shouldCompact() {
		s.compactor.request(Compact{Policy: true})
	}
	return chunk, nil
}

// Shift starts a new zone.
func (s *Store) Shift(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.ZoneOpenTimeout.Std())
	defer cancel()
	_, err := Go(func() (struct{}, error) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return struct{}{}, s.shiftLocked()
	}).Await(ctx)
	return err
}

func (s *Store) shiftLocked() error {
	cur := s.zone.Load()
	next := cur.ID() + 1
	if z, ok := s.zones.latest(); ok && z.ID() >= next {
		next = z.ID() + 1
	}

	// The new zone starts from the current germ
	z, err := CreateZone(s.zonePath(next), next, cur.Germ(), s.log)
	if err != nil {
		return err
	}
	s.zones.insert(z)
	s.zone.Store(z)
	s.log.WithFields(logrus.Fields{"from": cur.ID(), "to": next}).Info("shifted zone")
	return nil
}

// shouldCompact applies the compaction policy.
func (s *Store) shouldCompact() bool {
	if s.compactor == nil {
		return false
	}
	size := s.Size()
	if size < s.settings.MinCompactSize || size == 0 {
		return false
	}
	fill := float64(s.db.TreeSize()) / float64(size)
	return fill < s.settings.MinTreeFill
}

// Compact evacuates every zone but the newest and deletes them.
func (s *Store) Compact(ctx context.Context, req Compact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.DatabaseCompactTimeout.Std())
	defer cancel()
	_, err := s.compactor.request(req).Await(ctx)
	return err
}

// TreeDidChange requests a commit once enough changes have piled up.
func (s *Store) TreeDidChange(name string, tree Tree) {
	if s.db.DiffSize() < s.settings.AutoCommitSize {
		return
	}
	select {
	case s.commitCh <- Commit{}:
	default:
	}
}

func (s *Store) autoCommit(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if d := s.settings.AutoCommitInterval.Std(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		tick = t.C
	}
	for {
		var commit Commit
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case commit = <-s.commitCh:
		}
		if _, err := s.commit(commit); err != nil {
			s.log.WithError(err).Warn("auto commit failed")
		}
	}
}

// Close commits any pending changes and closes every zone.
func (s *Store) Close(ctx context.Context) error {
	for {
		st := s.status.Load()
		if st&(statusClosing|statusClosed) != 0 {
			return nil
		}
		if s.status.CompareAndSwap(st, st|statusClosing) {
			break
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.settings.DatabaseCloseTimeout.Std())
	defer cancel()

	// Stop the background work
	s.cancel()
	s.wg.Wait()

	// Write what's left
	var first error
	if s.db.HasChanges() {
		if _, err := s.CommitAsync(Commit{Closed: true, Forced: true}).Await(ctx); err != nil {
			first = err
		}
	}

	if err := s.closeZones(ctx); err != nil && first == nil {
		first = err
	}
	s.ctx.Cache.Clear()
	s.status.Store(statusClosed)
	s.log.Info("closed store")
	return first
}

func (s *Store) closeZones(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.settings.ZoneCloseTimeout.Std())
	defer cancel()

	var first error
	for _, z := range s.zones.all() {
		if err := z.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// deleteZone closes and removes an evacuated zone.
func (s *Store) deleteZone(ctx context.Context, z *Zone) error {
	if err := z.Close(ctx); err != nil {
		return err
	}
	if err := os.Remove(z.Path()); err != nil && !os.IsNotExist(err) {
		return transientError(z.Path(), err)
	}
	s.zones.remove(z)
	s.log.WithField("zone", z.ID()).Info("deleted zone")
	return nil
}
