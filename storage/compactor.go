package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Compact is a compaction request. Concurrent requests merge into the one
// still pending.
type Compact struct {
	// Shifted starts a new zone before evacuating, even when the store
	// already has several.
	Shifted bool

	// Policy requests only run if the store still meets the compaction
	// policy when they're picked up.
	Policy bool
}

func (c Compact) merged(o Compact) Compact {
	return Compact{
		Shifted: c.Shifted || o.Shifted,
		Policy:  c.Policy && o.Policy,
	}
}

type compactRequest struct {
	Compact
	result *Future[struct{}]
}

// compactor runs one compaction at a time in the background.
type compactor struct {
	store *Store
	log   logrus.FieldLogger

	mu      sync.Mutex
	pending *compactRequest
	wake    chan struct{}
}

func newCompactor(s *Store) *compactor {
	return &compactor{
		store: s,
		log:   s.log.WithField("task", "compact"),
		wake:  make(chan struct{}, 1),
	}
}

// request queues a compaction and returns its eventual result.
func (c *compactor) request(req Compact) *Future[struct{}] {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = &compactRequest{Compact: req, result: pending[struct{}]()}
	} else {
		c.pending.Compact = c.pending.merged(req)
	}
	f := c.pending.result
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return f
}

func (c *compactor) take() *compactRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.pending
	c.pending = nil
	return req
}

func (c *compactor) run(ctx context.Context) {
	defer c.store.wg.Done()
	for {
		select {
		case <-ctx.Done():
			if req := c.take(); req != nil {
				req.result.resolve(struct{}{}, ErrClosed)
			}
			return
		case <-c.wake:
		}

		req := c.take()
		if req == nil {
			continue
		}
		if req.Policy && !c.store.shouldCompact() {
			req.result.resolve(struct{}{}, nil)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, c.store.settings.DatabaseCompactTimeout.Std())
		err := c.compact(cctx, req.Compact)
		cancel()
		if err != nil {
			c.log.WithError(err).Error("compaction failed")
		}
		req.result.resolve(struct{}{}, err)
	}
}

// compact moves every live page into the newest zone and deletes the
// zones it emptied.
func (c *compactor) compact(ctx context.Context, req Compact) error {
	s := c.store
	start := time.Now()
	before := s.Size()

	// Start from a fresh zone so the evacuated pages land past every old one
	shift := req.Shifted || s.zones.len() == 1
	if _, err := s.commit(Commit{Forced: true, Shifted: shift}); err != nil {
		return err
	}

	// Rewrite everything below the current zone
	post := s.Zone().ID()
	if err := s.db.Evacuate(ctx, post); err != nil {
		return err
	}
	if _, err := s.commit(Commit{Forced: true}); err != nil {
		return err
	}

	// Let readers of the old zones finish
	if d := s.settings.DeleteDelay.Std(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return transientError("", ctx.Err())
		case <-t.C:
		}
	}

	// Delete them
	old := s.zones.below(post)
	for _, z := range old {
		if err := s.deleteZone(ctx, z); err != nil {
			return err
		}
	}

	c.log.WithFields(logrus.Fields{
		"post":    post,
		"deleted": len(old),
		"before":  before,
		"after":   s.Size(),
		"took":    time.Since(start),
	}).Info("compacted store")
	return nil
}
