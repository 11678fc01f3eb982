package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

const unknownSize = -1

// pageHold is what a PageRef holds of its page. A nil hold means the page
// is absent and has to be loaded. Weak holds can be evicted by the page
// cache; strong ones stay until the ref is dropped.
type pageHold struct {
	page Page
	weak bool
}

// PageRef is a handle to a page. It carries the page's location once
// committed, a structural summary of the subtree below it, and the page
// itself when the page is resident.
//
// All fields other than the hold and the size memos are fixed when the
// ref is created.
type PageRef struct {
	ctx      *PageContext
	typ      TreeType
	leaf     bool
	stem     int64
	post     int32
	zone     int32
	base     int64
	size     int64
	area     int64
	span     int64
	version  int64
	x, y     uint64
	fold     []byte
	hasFold  bool
	resident bool

	hold atomic.Pointer[pageHold]

	pageRefSize atomic.Int64
	pageSize    atomic.Int64
	diffSize    atomic.Int64
	treeSize    atomic.Int64
}

// newPageRef creates an uncommitted ref that holds page strongly.
func newPageRef(ctx *PageContext, page Page, resident bool) *PageRef {
	r := &PageRef{
		ctx:      ctx,
		typ:      page.Type(),
		leaf:     page.IsLeaf(),
		stem:     page.Stem(),
		span:     page.Span(),
		version:  page.Version(),
		resident: resident,
	}
	r.x, r.y = page.extent()
	for i := 0; i < page.ChildCount(); i++ {
		if p := page.Child(i).post; p > 0 && (r.post == 0 || p < r.post) {
			r.post = p
		}
	}
	r.resetMemo()
	r.hold.Store(&pageHold{page: page})
	page.setRef(r)
	return r
}

func decodeRef(ctx *PageContext, rec refRecord, resident bool) (*PageRef, error) {
	typ, leaf, err := parsePageTag(rec.Tag)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Zone <= 0 || rec.Base < 0:
		return nil, errors.Errorf("page ref has no location (zone %d, base %d)", rec.Zone, rec.Base)
	case rec.Size <= 0 || rec.Area < rec.Size:
		return nil, errors.Errorf("page ref has invalid size %d/%d", rec.Size, rec.Area)
	case rec.Span < 0:
		return nil, errors.Errorf("page ref has negative span %d", rec.Span)
	}

	r := &PageRef{
		ctx:      ctx,
		typ:      typ,
		leaf:     leaf,
		stem:     rec.Stem,
		post:     rec.Post,
		zone:     rec.Zone,
		base:     rec.Base,
		size:     rec.Size,
		area:     rec.Area,
		span:     rec.Span,
		version:  rec.Version,
		x:        rec.X,
		y:        rec.Y,
		fold:     rec.Fold,
		hasFold:  rec.HasFold,
		resident: resident,
	}
	r.resetMemo()
	return r, nil
}

func decodeRefs(ctx *PageContext, recs []refRecord, resident bool) ([]*PageRef, error) {
	refs := make([]*PageRef, len(recs))
	for i, rec := range recs {
		r, err := decodeRef(ctx, rec, resident)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}
	return refs, nil
}

func (r *PageRef) resetMemo() {
	r.pageRefSize.Store(unknownSize)
	r.pageSize.Store(unknownSize)
	r.diffSize.Store(unknownSize)
	r.treeSize.Store(unknownSize)
}

func (r *PageRef) record() refRecord {
	size, area := r.size, r.area
	if !r.IsCommitted() {
		size, area = r.PageSize(), r.TreeSize()
	}
	return refRecord{
		Tag:     pageTag(r.typ, r.leaf),
		Stem:    r.stem,
		Post:    r.post,
		Zone:    r.zone,
		Base:    r.base,
		Size:    size,
		Area:    area,
		Span:    r.span,
		Version: r.version,
		X:       r.x,
		Y:       r.y,
		Fold:    r.fold,
		HasFold: r.hasFold,
	}
}

func refRecords(refs []*PageRef) []refRecord {
	recs := make([]refRecord, len(refs))
	for i, r := range refs {
		recs[i] = r.record()
	}
	return recs
}

func (r *PageRef) Type() TreeType { return r.typ }
func (r *PageRef) IsLeaf() bool { return r.leaf }
func (r *PageRef) Stem() int64 { return r.stem }
func (r *PageRef) Post() int32 { return r.post }
func (r *PageRef) Zone() int32 { return r.zone }
func (r *PageRef) Base() int64 { return r.base }
func (r *PageRef) Span() int64 { return r.span }
func (r *PageRef) Version() int64 { return r.version }
func (r *PageRef) IsResident() bool { return r.resident }

// Extent returns the bit-interval extent of a Q-tree subtree.
func (r *PageRef) Extent() (x, y uint64) {
	return r.x, r.y
}

// Fold returns the memoized reduction of the subtree, if any.
func (r *PageRef) Fold() ([]byte, bool) {
	return r.fold, r.hasFold
}

// IsCommitted reports whether the page has a location in a zone.
func (r *PageRef) IsCommitted() bool {
	return r.zone > 0
}

// IsLoaded reports whether the page is currently held.
func (r *PageRef) IsLoaded() bool {
	return r.hold.Load() != nil
}

func (r *PageRef) String() string {
	return fmt.Sprintf(
		"%s(stem=%d zone=%d base=%d size=%d span=%d version=%d)",
		pageTag(r.typ, r.leaf), r.stem, r.zone, r.base, r.size, r.span, r.version,
	)
}

// Page returns the referenced page, loading it if needed. Loads are
// bounded by the PageLoadTimeout setting.
func (r *PageRef) Page() (Page, error) {
	if h := r.hold.Load(); h != nil {
		r.ctx.stats.hits.Add(1)
		if h.weak {
			r.ctx.Cache.Touch(r, false)
		}
		return h.page, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.ctx.Settings.PageLoadTimeout.Std())
	defer cancel()
	return r.LoadPageAsync().Await(ctx)
}

// LoadPageAsync loads the page in the background.
func (r *PageRef) LoadPageAsync() *Future[Page] {
	if h := r.hold.Load(); h != nil {
		return Resolved(h.page, nil)
	}
	return Go(func() (Page, error) {
		l, err := r.ctx.loader()
		if err != nil {
			return nil, err
		}
		defer l.Close()
		return r.loadWith(l)
	})
}

// LoadTreeAsync loads the page and every page below it, in order.
func (r *PageRef) LoadTreeAsync() *Future[Page] {
	return Go(func() (Page, error) {
		l, err := r.ctx.loader()
		if err != nil {
			return nil, err
		}
		defer l.Close()

		root, err := r.loadWith(l)
		if err != nil {
			return nil, err
		}

		// Walk the tree with an explicit stack of refs
		var stack []*PageRef
		push := func(p Page) {
			for i := p.ChildCount() - 1; i >= 0; i-- {
				stack = append(stack, p.Child(i))
			}
		}
		push(root)
		for len(stack) > 0 {
			ref := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			p, err := ref.loadWith(l)
			if err != nil {
				return nil, err
			}
			push(p)
		}
		return root, nil
	})
}

func (r *PageRef) loadWith(l PageLoader) (Page, error) {
	if h := r.hold.Load(); h != nil {
		return h.page, nil
	}

	// Concurrent loads of the same ref share one read
	v, err, _ := r.ctx.loads.Do(fmt.Sprintf("%p", r), func() (any, error) {
		if h := r.hold.Load(); h != nil {
			return h.page, nil
		}
		r.ctx.stats.misses.Add(1)

		page, err := l.LoadPage(r)
		if err != nil {
			return nil, transientError(r.String(), err)
		}
		r.ctx.stats.loads.Add(1)
		r.retain(page)
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Page), nil
}

// retain holds a freshly loaded page. Pages of non-resident trees are held
// weakly, and only once the cache admits them.
func (r *PageRef) retain(page Page) {
	if r.resident {
		r.hold.Store(&pageHold{page: page})
		return
	}
	h := &pageHold{page: page, weak: true}
	r.hold.Store(h)
	if !r.ctx.Cache.Touch(r, false) {
		r.hold.CompareAndSwap(h, nil)
	}
}

// evict drops a weakly held page. It reports whether anything was dropped.
func (r *PageRef) evict() bool {
	h := r.hold.Load()
	if h == nil || !h.weak {
		return false
	}
	return r.hold.CompareAndSwap(h, nil)
}

// mustPage returns the held page of a ref that can't be absent, such as
// an uncommitted one.
func (r *PageRef) mustPage() Page {
	h := r.hold.Load()
	if h == nil {
		panic(fmt.Sprintf("page not held: %s", r))
	}
	return h.page
}

// PageSize returns the number of bytes the page takes in a zone. It is
// exact once committed. Before that it is an estimate, since child refs
// still encode with no zone or base.
func (r *PageRef) PageSize() int64 {
	if r.IsCommitted() {
		return r.size
	}
	if n := r.pageSize.Load(); n >= 0 {
		return n
	}
	frame, err := encodeFrame(r.mustPage().record(), r.ctx.Settings.PageCompression)
	if err != nil {
		panic(errors.Wrapf(err, "failed to size %s", r))
	}
	n := int64(len(frame))
	r.pageSize.Store(n)
	return n
}

// PageRefSize returns the encoded size of the ref itself.
func (r *PageRef) PageRefSize() int64 {
	if n := r.pageRefSize.Load(); n >= 0 {
		return n
	}
	b, err := encode(r.record())
	if err != nil {
		panic(errors.Wrapf(err, "failed to size %s", r))
	}
	n := int64(len(b))
	r.pageRefSize.Store(n)
	return n
}

// TreeSize returns the bytes taken by the page and all pages below it.
func (r *PageRef) TreeSize() int64 {
	if r.IsCommitted() {
		return r.area
	}
	if n := r.treeSize.Load(); n >= 0 {
		return n
	}
	page := r.mustPage()
	n := r.PageSize()
	for i := 0; i < page.ChildCount(); i++ {
		n += page.Child(i).TreeSize()
	}
	r.treeSize.Store(n)
	return n
}

// DiffSize returns the bytes that committing this subtree would write.
func (r *PageRef) DiffSize() int64 {
	if r.IsCommitted() {
		return 0
	}
	if n := r.diffSize.Load(); n >= 0 {
		return n
	}
	page := r.mustPage()
	n := r.PageSize()
	for i := 0; i < page.ChildCount(); i++ {
		n += page.Child(i).DiffSize()
	}
	r.diffSize.Store(n)
	return n
}

// CommittedDiffSize returns the bytes written for this subtree by the
// commit of the given version.
func (r *PageRef) CommittedDiffSize(version int64) (int64, error) {
	if !r.IsCommitted() || r.version != version {
		return 0, nil
	}
	page, err := r.Page()
	if err != nil {
		return 0, err
	}
	n := r.size
	for i := 0; i < page.ChildCount(); i++ {
		d, err := page.Child(i).CommittedDiffSize(version)
		if err != nil {
			return 0, err
		}
		n += d
	}
	return n, nil
}
