package storage

import (
	"github.com/pkg/errors"
)

// Page is an immutable, versioned tree page. Every page kind is a leaf or
// a node of one tree type. Mutations return new pages and leave the
// receiver untouched.
type Page interface {
	// Ref returns the ref bound to this page.
	Ref() *PageRef
	Type() TreeType
	IsLeaf() bool
	Stem() int64
	Version() int64

	// Span is the number of entries at or below this page.
	Span() int64

	// Arity is the number of slots of a leaf or children of a node.
	Arity() int

	ChildCount() int
	Child(i int) *PageRef

	// splittable reports whether the page has enough slots or children
	// to be divided.
	splittable() bool
	extent() (x, y uint64)
	record() any

	// rebuilt copies the page with the given children and version. A nil
	// children slice keeps the current ones. The copy is unbound.
	rebuilt(children []*PageRef, version int64) Page
	setRef(r *PageRef)
}

type pageBase struct {
	ref     *PageRef
	stem    int64
	version int64
}

func (b *pageBase) Ref() *PageRef { return b.ref }
func (b *pageBase) Stem() int64 { return b.stem }
func (b *pageBase) Version() int64 { return b.version }
func (b *pageBase) setRef(r *PageRef) { b.ref = r }
func (b *pageBase) ctx() *PageContext { return b.ref.ctx }
func (b *pageBase) resident() bool { return b.ref.resident }
func (b *pageBase) extent() (x, y uint64) { return 0, 0 }

func (b *pageBase) String() string {
	if b.ref == nil {
		return "unbound page"
	}
	return b.ref.String()
}

// pageShouldSplit reports whether a page has outgrown the split size.
// A single oversized slot is tolerated.
func pageShouldSplit(p Page) bool {
	return p.Ref().PageSize() > int64(p.Ref().ctx.Settings.PageSplitSize) && p.splittable()
}

// pageShouldMerge reports whether a page has shrunk below the merge size.
func pageShouldMerge(p Page) bool {
	return p.Ref().PageSize() < int64(p.Ref().ctx.Settings.PageMergeSize)
}

// withFold returns an uncommitted page's ref with its fold set. Refs that
// are already shared are copied instead.
func withFold(p Page, fold []byte) Page {
	r := p.Ref()
	if r.IsCommitted() {
		// Same location; only the parent's encoding of the ref changes
		q := p.rebuilt(nil, p.Version())
		c := &PageRef{
			ctx:      r.ctx,
			typ:      r.typ,
			leaf:     r.leaf,
			stem:     r.stem,
			post:     r.post,
			zone:     r.zone,
			base:     r.base,
			size:     r.size,
			area:     r.area,
			span:     r.span,
			version:  r.version,
			x:        r.x,
			y:        r.y,
			fold:     fold,
			hasFold:  true,
			resident: r.resident,
		}
		c.resetMemo()
		weak := false
		if h := r.hold.Load(); h != nil {
			weak = h.weak
		}
		c.hold.Store(&pageHold{page: q, weak: weak})
		q.setRef(c)
		if weak {
			r.ctx.Cache.Touch(c, true)
		}
		return q
	}

	q := p.rebuilt(nil, p.Version())
	c := newPageRef(r.ctx, q, r.resident)
	c.fold = fold
	c.hasFold = true
	return q
}

// committed writes the subtree's uncommitted pages to consecutive offsets
// starting at base, children before parents. It returns the committed ref
// and the offset after the last page.
func (r *PageRef) committed(zone int32, base int64, version int64) (*PageRef, int64, error) {
	if r.IsCommitted() {
		return r, base, nil
	}
	page := r.mustPage()

	// Children first
	offset := base
	area := int64(0)
	post := zone
	var children []*PageRef
	if n := page.ChildCount(); n > 0 {
		children = make([]*PageRef, n)
		for i := range children {
			c, end, err := page.Child(i).committed(zone, offset, version)
			if err != nil {
				return nil, base, err
			}
			children[i] = c
			offset = end
			area += c.area
			if c.post > 0 && c.post < post {
				post = c.post
			}
		}
	}

	// Then the page itself
	p := page.rebuilt(children, version)
	frame, err := encodeFrame(p.record(), r.ctx.Settings.PageCompression)
	if err != nil {
		return nil, base, consistencyError(r.String(), "failed to encode page: %s", err)
	}
	size := int64(len(frame))

	c := &PageRef{
		ctx:      r.ctx,
		typ:      r.typ,
		leaf:     r.leaf,
		stem:     r.stem,
		post:     post,
		zone:     zone,
		base:     offset,
		size:     size,
		area:     area + size,
		span:     r.span,
		version:  version,
		x:        r.x,
		y:        r.y,
		fold:     r.fold,
		hasFold:  r.hasFold,
		resident: r.resident,
	}
	c.resetMemo()
	c.hold.Store(&pageHold{page: p})
	p.setRef(c)

	// Done
	return c, offset + size, nil
}

// uncommitted reverts pages committed at or after version back to
// uncommitted copies. Pages keep their own version.
func (r *PageRef) uncommitted(version int64) (*PageRef, error) {
	if r.version < version {
		return r, nil
	}
	page, err := r.Page()
	if err != nil {
		return nil, err
	}

	changed := r.IsCommitted()
	var children []*PageRef
	if n := page.ChildCount(); n > 0 {
		children = make([]*PageRef, n)
		for i := range children {
			old := page.Child(i)
			c, err := old.uncommitted(version)
			if err != nil {
				return nil, err
			}
			children[i] = c
			changed = changed || c != old
		}
	}
	if !changed {
		return r, nil
	}

	p := page.rebuilt(children, page.Version())
	c := newPageRef(r.ctx, p, r.resident)
	c.fold, c.hasFold = r.fold, r.hasFold
	return c, nil
}

// evacuated rewrites every page that depends on a zone below post as an
// uncommitted copy, so the next commit moves it forward.
func (r *PageRef) evacuated(post int32, version int64) (*PageRef, error) {
	if r.post == 0 || r.post >= post {
		return r, nil
	}
	page, err := r.Page()
	if err != nil {
		return nil, err
	}

	var children []*PageRef
	if n := page.ChildCount(); n > 0 {
		children = make([]*PageRef, n)
		for i := range children {
			c, err := page.Child(i).evacuated(post, version)
			if err != nil {
				return nil, err
			}
			children[i] = c
		}
	}

	p := page.rebuilt(children, version)
	c := newPageRef(r.ctx, p, r.resident)
	c.fold, c.hasFold = r.fold, r.hasFold
	return c, nil
}

// writeDiff copies the pages committed at version into buf, in the same
// order committed laid them out. base is the zone offset of buf[0].
func (r *PageRef) writeDiff(version int64, buf []byte, base int64, pos *int) error {
	if !r.IsCommitted() || r.version != version {
		return nil
	}
	page, err := r.Page()
	if err != nil {
		return err
	}
	for i := 0; i < page.ChildCount(); i++ {
		if err := page.Child(i).writeDiff(version, buf, base, pos); err != nil {
			return err
		}
	}

	if at := base + int64(*pos); r.base != at {
		return consistencyError(r.String(), "page written at offset %d", at)
	}
	frame, err := encodeFrame(page.record(), r.ctx.Settings.PageCompression)
	if err != nil {
		return consistencyError(r.String(), "failed to encode page: %s", err)
	}
	if int64(len(frame)) != r.size {
		return consistencyError(r.String(), "wrote %d bytes for a page sized %d", len(frame), r.size)
	}
	if *pos+len(frame) > len(buf) {
		return consistencyError(r.String(), "page overflows chunk of %d bytes", len(buf))
	}
	*pos += copy(buf[*pos:], frame)
	return nil
}

// soften turns the strong holds on pages committed at version into weak
// ones, handing them to the page cache.
func (r *PageRef) soften(version int64) {
	if !r.IsCommitted() || r.version != version || r.resident {
		return
	}
	h := r.hold.Load()
	if h == nil {
		return
	}
	for i := 0; i < h.page.ChildCount(); i++ {
		h.page.Child(i).soften(version)
	}
	if !h.weak && r.hold.CompareAndSwap(h, &pageHold{page: h.page, weak: true}) {
		r.ctx.Cache.Touch(r, true)
	}
}

// decodePage parses a page frame read from ref's location.
func decodePage(ref *PageRef, frame []byte) (Page, error) {
	if int64(len(frame)) != ref.size {
		return nil, corruptError(ref.String(), errors.Errorf("read %d bytes", len(frame)))
	}

	var (
		p   Page
		err error
	)
	switch ref.typ {
	case BTreeType:
		if ref.leaf {
			p, err = decodeBTreeLeaf(ref, frame)
		} else {
			p, err = decodeBTreeNode(ref, frame)
		}
	case QTreeType:
		if ref.leaf {
			p, err = decodeQTreeLeaf(ref, frame)
		} else {
			p, err = decodeQTreeNode(ref, frame)
		}
	case STreeType:
		if ref.leaf {
			p, err = decodeSTreeLeaf(ref, frame)
		} else {
			p, err = decodeSTreeNode(ref, frame)
		}
	case UTreeType:
		p, err = decodeUTreeLeaf(ref, frame)
	default:
		err = errors.Errorf("unknown tree type %d", ref.typ)
	}
	if err != nil {
		return nil, corruptError(ref.String(), err)
	}

	// The ref's summary has to agree with the page
	if p.Span() != ref.span {
		return nil, corruptError(ref.String(), errors.Errorf("page spans %d", p.Span()))
	}
	if p.Stem() != ref.stem {
		return nil, corruptError(ref.String(), errors.Errorf("page has stem %d", p.Stem()))
	}
	p.setRef(ref)
	return p, nil
}

func checkTag(got string, t TreeType, leaf bool) error {
	if want := pageTag(t, leaf); got != want {
		return errors.Errorf("expected %s page, found %q", want, got)
	}
	return nil
}

func childSpans(children []*PageRef) int64 {
	var n int64
	for _, c := range children {
		n += c.span
	}
	return n
}
