package storage

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/a-poor/zonedb/settings"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// PageLoader reads committed pages back from storage. A loader is scoped
// to one logical operation and closed when it's done.
type PageLoader interface {
	LoadPage(ref *PageRef) (Page, error)
	Close() error
}

// PageContext is shared by every page of a database: settings, the
// loader source, the page cache and load statistics.
type PageContext struct {
	Settings settings.Settings
	Log      logrus.FieldLogger
	Cache    *PageCache

	newLoader func() (PageLoader, error)
	loads     singleflight.Group
	stats     CacheStats
}

// NewPageContext creates a context that opens loaders with newLoader.
func NewPageContext(s settings.Settings, log logrus.FieldLogger, newLoader func() (PageLoader, error)) *PageContext {
	if log == nil {
		log = discardLogger()
	}
	c := &PageContext{
		Settings:  s,
		Log:       log,
		newLoader: newLoader,
	}
	c.Cache = NewPageCache(s.PageCacheSize, s.PageCacheGenerations, &c.stats)
	return c
}

// NewMemContext creates a context whose pages are read from an in-memory
// MemLoader. It's meant for tests and for transient databases.
func NewMemContext(s settings.Settings) (*PageContext, *MemLoader) {
	m := NewMemLoader()
	c := NewPageContext(s, nil, func() (PageLoader, error) { return m, nil })
	return c, m
}

// Stats returns a snapshot of the page load counters.
func (c *PageContext) Stats() CacheStatsSnapshot {
	return c.stats.snapshot()
}

func (c *PageContext) loader() (PageLoader, error) {
	if c.newLoader == nil {
		return nil, transientError("", errors.New("no page loader"))
	}
	l, err := c.newLoader()
	if err != nil {
		return nil, transientError("", err)
	}
	return l, nil
}

// CacheStats counts page accesses.
type CacheStats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	loads     atomic.Int64
	evictions atomic.Int64
}

// CacheStatsSnapshot is a point-in-time copy of CacheStats.
type CacheStatsSnapshot struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Loads     int64 `json:"loads"`
	Evictions int64 `json:"evictions"`
}

func (s *CacheStats) snapshot() CacheStatsSnapshot {
	return CacheStatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Loads:     s.loads.Load(),
		Evictions: s.evictions.Load(),
	}
}

// MemLoader serves pages out of chunks held in memory.
type MemLoader struct {
	mu    sync.RWMutex
	zones map[int32][]byte

	// Fail, when set, is consulted before every load.
	Fail func(ref *PageRef) error
}

func NewMemLoader() *MemLoader {
	return &MemLoader{zones: make(map[int32][]byte)}
}

// WriteChunk stores a commit's data at its zone offset.
func (m *MemLoader) WriteChunk(c *Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.zones[c.Zone]
	end := c.Base + int64(len(c.Data))
	if int64(len(z)) < end {
		grown := make([]byte, end)
		copy(grown, z)
		z = grown
	}
	copy(z[c.Base:], c.Data)
	m.zones[c.Zone] = z
}

func (m *MemLoader) LoadPage(ref *PageRef) (Page, error) {
	if m.Fail != nil {
		if err := m.Fail(ref); err != nil {
			return nil, transientError(ref.String(), err)
		}
	}

	m.mu.RLock()
	z := m.zones[ref.zone]
	m.mu.RUnlock()

	end := ref.base + ref.size
	if ref.base < 0 || end > int64(len(z)) {
		return nil, transientError(ref.String(), io.ErrUnexpectedEOF)
	}
	return decodePage(ref, z[ref.base:end])
}

func (m *MemLoader) Close() error {
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
