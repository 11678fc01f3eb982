package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/a-poor/zonedb/internal/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// headerSize is the size of the two germ blocks at the head of a zone.
const headerSize = 2 * GermSize

// Zone is one numbered file of a store. Committed chunks are appended to
// the current zone; older zones are only read until compaction deletes
// them.
type Zone struct {
	id   int32
	path string
	log  logrus.FieldLogger

	mu   sync.Mutex
	file *os.File
	germ Germ
	size atomic.Int64
}

// zoneFileName returns the file name of zone id.
func zoneFileName(base string, id int32, ext string) string {
	return fmt.Sprintf("%s-%d.%s", base, id, ext)
}

// zoneFilePattern matches zone file names for base and ext.
func zoneFilePattern(base, ext string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(base) + `-(\d+)\.` + regexp.QuoteMeta(ext) + "$")
}

// parseZoneID returns the zone number of a matching file name.
func parseZoneID(re *regexp.Regexp, name string) (int32, bool) {
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int32(n), true
}

// CreateZone creates an empty zone file and writes germ into both of its
// germ blocks.
func CreateZone(path string, id int32, germ Germ, log logrus.FieldLogger) (*Zone, error) {
	// Create the file
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, transientError(path, err)
	}

	// Create the zone
	z := &Zone{
		id:   id,
		path: path,
		log:  log.WithField("zone", id),
		file: f,
	}
	z.size.Store(headerSize)

	// Seed the header
	if err := z.WriteGerm(germ, true); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	// Done
	return z, nil
}

// OpenZone opens an existing zone file and reads its germ.
func OpenZone(path string, id int32, log logrus.FieldLogger) (*Zone, error) {
	// Open the file
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, transientError(path, err)
	}

	// Read the header
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corruptError(path, errors.Wrap(err, "truncated zone header"))
		}
		return nil, transientError(path, err)
	}
	germ, err := ReadGerm(header)
	if err != nil {
		f.Close()
		return nil, err
	}

	// Get the file size
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, transientError(path, err)
	}

	// Create the zone
	z := &Zone{
		id:   id,
		path: path,
		log:  log.WithField("zone", id),
		file: f,
		germ: germ,
	}
	z.size.Store(max(info.Size(), headerSize))
	return z, nil
}

func (z *Zone) ID() int32 {
	return z.id
}

func (z *Zone) Path() string {
	return z.path
}

// Size returns the number of bytes written to the zone.
func (z *Zone) Size() int64 {
	return z.size.Load()
}

// Germ returns the last germ written to, or read from, the zone.
func (z *Zone) Germ() Germ {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.germ
}

// WriteGerm writes germ to the first block, then the second, syncing after
// each block when force is set.
func (z *Zone) WriteGerm(germ Germ, force bool) error {
	block, err := germ.Encode()
	if err != nil {
		return err
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if z.file == nil {
		return ErrClosed
	}
	for _, off := range []int64{0, GermSize} {
		if _, err := z.file.WriteAt(block, off); err != nil {
			return transientError(z.path, err)
		}
		if force {
			if err := z.file.Sync(); err != nil {
				return transientError(z.path, err)
			}
		}
	}
	z.germ = germ
	return nil
}

// WriteChunk commits the database into this zone: it picks the write
// offset, assembles a chunk, writes it and then the new germ. A failure
// after the chunk was assembled unwinds the commit.
func (z *Zone) WriteChunk(db *Database, commit Commit) (*Chunk, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.file == nil {
		return nil, ErrClosed
	}

	// Lock the file for the duration of the write
	lock, err := flock.Exclusive(z.file)
	if err != nil {
		return nil, transientError(z.path, err)
	}
	defer lock.Unlock()

	// Never overwrite bytes someone else appended
	info, err := z.file.Stat()
	if err != nil {
		return nil, transientError(z.path, err)
	}
	base := max(z.size.Load(), headerSize, info.Size())

	// Assemble the chunk
	chunk, err := db.CommitChunk(commit, z.id, base)
	if err != nil {
		return nil, err
	}

	// Write the data, then the germ
	fail := func(err error) (*Chunk, error) {
		db.DidFailChunk(chunk)
		return nil, transientError(z.path, err)
	}
	if _, err := z.file.WriteAt(chunk.Data, base); err != nil {
		return fail(err)
	}
	if commit.Forced {
		if err := z.file.Sync(); err != nil {
			return fail(err)
		}
	}
	block, err := chunk.Germ.Encode()
	if err != nil {
		db.DidFailChunk(chunk)
		return nil, err
	}
	for _, off := range []int64{0, GermSize} {
		if _, err := z.file.WriteAt(block, off); err != nil {
			return fail(err)
		}
		if commit.Forced {
			if err := z.file.Sync(); err != nil {
				return fail(err)
			}
		}
	}

	// Done
	z.germ = chunk.Germ
	z.size.Store(base + chunk.Size)
	db.DidWriteChunk(chunk)
	z.log.WithFields(logrus.Fields{
		"version": chunk.Version,
		"base":    base,
		"size":    chunk.Size,
	}).Debug("wrote chunk")
	return chunk, nil
}

// Close closes the zone file, waiting at most ctx for an in-flight write.
func (z *Zone) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		z.mu.Lock()
		defer z.mu.Unlock()
		if z.file == nil {
			done <- nil
			return
		}
		err := z.file.Close()
		z.file = nil
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return transientError(z.path, err)
		}
		return nil
	case <-ctx.Done():
		return transientError(z.path, errors.Wrap(ctx.Err(), "closing zone"))
	}
}

// setAside renames a corrupt zone file so it's neither opened nor
// overwritten again.
func setAside(path string, id string) (string, error) {
	dst := path + ".corrupt-" + id
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// zoneReader reads page frames from zone files, one read handle per zone.
type zoneReader struct {
	dir     string
	name    func(id int32) string
	handles map[int32]*os.File
	mu      sync.Mutex
}

func newZoneReader(dir string, name func(id int32) string) *zoneReader {
	return &zoneReader{
		dir:     dir,
		name:    name,
		handles: make(map[int32]*os.File),
	}
}

func (r *zoneReader) handle(id int32) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.handles[id]; ok {
		return f, nil
	}
	f, err := os.Open(filepath.Join(r.dir, r.name(id)))
	if err != nil {
		return nil, err
	}
	r.handles[id] = f
	return f, nil
}

// LoadPage reads and decodes the page ref points to.
func (r *zoneReader) LoadPage(ref *PageRef) (Page, error) {
	f, err := r.handle(ref.zone)
	if err != nil {
		return nil, transientError(ref.String(), err)
	}
	frame := make([]byte, ref.size)
	if _, err := f.ReadAt(frame, ref.base); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, corruptError(ref.String(), errors.Wrap(err, "page past end of zone"))
		}
		return nil, transientError(ref.String(), err)
	}
	return decodePage(ref, frame)
}

// Close closes every handle the reader opened.
func (r *zoneReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for id, f := range r.handles {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.handles, id)
	}
	return first
}
