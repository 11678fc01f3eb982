// Package settings holds the tuning knobs of a store: page split and
// merge thresholds, cache sizing, commit and compaction policy, retry
// counts and per-operation timeouts.
//
// A Settings value is built once, usually from Default, and handed to
// every component that needs it.
package settings

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Settings configures a store and the trees inside it.
type Settings struct {
	// Page shape
	PageSplitSize   int  `json:"pageSplitSize"`
	PageMergeSize   int  `json:"pageMergeSize"`
	PageCompression bool `json:"pageCompression"`

	// Page cache
	PageCacheSize        int `json:"pageCacheSize"`
	PageCacheGenerations int `json:"pageCacheGenerations"`

	// Commit policy
	AutoCommitInterval Duration `json:"autoCommitInterval"`
	AutoCommitSize     int64    `json:"autoCommitSize"`
	MaxZoneSize        int64    `json:"maxZoneSize"`

	// Compaction policy
	MinCompactSize int64    `json:"minCompactSize"`
	MinTreeFill    float64  `json:"minTreeFill"`
	DeleteDelay    Duration `json:"deleteDelay"`

	// Typed collections
	MaxRetries int `json:"maxRetries"`

	// Timeouts
	PageLoadTimeout        Duration `json:"pageLoadTimeout"`
	TreeLoadTimeout        Duration `json:"treeLoadTimeout"`
	DatabaseOpenTimeout    Duration `json:"databaseOpenTimeout"`
	DatabaseCloseTimeout   Duration `json:"databaseCloseTimeout"`
	DatabaseCommitTimeout  Duration `json:"databaseCommitTimeout"`
	DatabaseCompactTimeout Duration `json:"databaseCompactTimeout"`
	ZoneOpenTimeout        Duration `json:"zoneOpenTimeout"`
	ZoneCloseTimeout       Duration `json:"zoneCloseTimeout"`

	// Files
	FileExtension string `json:"fileExtension"`
}

// Default returns the standard settings.
func Default() Settings {
	return Settings{
		PageSplitSize:   16 * 1024,
		PageMergeSize:   4 * 1024,
		PageCompression: false,

		PageCacheSize:        8192,
		PageCacheGenerations: 2,

		AutoCommitInterval: Duration(time.Second),
		AutoCommitSize:     1 << 20,
		MaxZoneSize:        64 << 20,

		MinCompactSize: 4 << 20,
		MinTreeFill:    0.5,
		DeleteDelay:    0,

		MaxRetries: 2,

		PageLoadTimeout:        Duration(30 * time.Second),
		TreeLoadTimeout:        Duration(5 * time.Minute),
		DatabaseOpenTimeout:    Duration(time.Minute),
		DatabaseCloseTimeout:   Duration(time.Minute),
		DatabaseCommitTimeout:  Duration(time.Minute),
		DatabaseCompactTimeout: Duration(10 * time.Minute),
		ZoneOpenTimeout:        Duration(time.Minute),
		ZoneCloseTimeout:       Duration(time.Minute),

		FileExtension: "zdb",
	}
}

// Load reads YAML settings from r on top of Default.
func Load(r io.Reader) (Settings, error) {
	s := Default()

	b, err := io.ReadAll(r)
	if err != nil {
		return s, errors.Wrap(err, "failed to read settings")
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, errors.Wrap(err, "failed to parse settings")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks that every threshold is usable.
func (s Settings) Validate() error {
	switch {
	case s.PageSplitSize <= 0:
		return errors.Errorf("pageSplitSize must be positive, got %d", s.PageSplitSize)
	case s.PageMergeSize < 0 || s.PageMergeSize >= s.PageSplitSize:
		return errors.Errorf("pageMergeSize must be in [0, pageSplitSize), got %d", s.PageMergeSize)
	case s.PageCacheSize <= 0:
		return errors.Errorf("pageCacheSize must be positive, got %d", s.PageCacheSize)
	case s.PageCacheGenerations < 2:
		return errors.Errorf("pageCacheGenerations must be at least 2, got %d", s.PageCacheGenerations)
	case s.MinTreeFill < 0 || s.MinTreeFill > 1:
		return errors.Errorf("minTreeFill must be in [0, 1], got %v", s.MinTreeFill)
	case s.MaxRetries < 0:
		return errors.Errorf("maxRetries must not be negative, got %d", s.MaxRetries)
	case s.FileExtension == "":
		return errors.New("fileExtension must not be empty")
	}
	return nil
}
