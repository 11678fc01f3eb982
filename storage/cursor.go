package storage

// cursorFrame is one level of a cursor's descent. pos is a gap position:
// entries before pos have been passed going forward. While a child's frame
// is above a node's frame, the node's pos is that child's index.
type cursorFrame struct {
	page Page
	pos  int
}

// Cursor walks a tree's entries in either direction, loading pages as it
// reaches them.
//
//	c := tree.Cursor()
//	for c.Next() {
//		e := c.Entry()
//		...
//	}
//	if err := c.Err(); err != nil {
//		...
//	}
type Cursor[E any] struct {
	root      *PageRef
	slots     func(Page) []E
	aggregate func(Page, int) E

	// filter skips whole subtrees, accept skips single entries
	filter   func(*PageRef) bool
	accept   func(E) bool
	maxDepth int

	started bool
	stack   []cursorFrame
	entry   E
	err     error
}

func newCursor[E any](root *PageRef, slots func(Page) []E, aggregate func(Page, int) E) *Cursor[E] {
	return &Cursor[E]{root: root, slots: slots, aggregate: aggregate}
}

// Entry returns the entry the last successful Next or Prev moved over.
func (c *Cursor[E]) Entry() E {
	return c.entry
}

// Err returns the first error the cursor hit.
func (c *Cursor[E]) Err() error {
	return c.err
}

func (c *Cursor[E]) start(atEnd bool) bool {
	if c.started {
		return c.err == nil
	}
	c.started = true
	if c.root.span == 0 {
		return false
	}
	if c.filter != nil && !c.filter(c.root) {
		return false
	}
	p, err := c.root.Page()
	if err != nil {
		c.err = err
		return false
	}
	f := cursorFrame{page: p}
	if atEnd {
		f.pos = c.width(p)
	}
	c.stack = append(c.stack, f)
	return true
}

func (c *Cursor[E]) width(p Page) int {
	if p.IsLeaf() {
		return len(c.slots(p))
	}
	return p.ChildCount()
}

func (c *Cursor[E]) skipRef(r *PageRef) bool {
	return r.span == 0 || (c.filter != nil && !c.filter(r))
}

func (c *Cursor[E]) atDepth() bool {
	return c.maxDepth > 0 && len(c.stack) >= c.maxDepth
}

// Next moves forward over one entry.
func (c *Cursor[E]) Next() bool {
	if !c.start(false) {
		return false
	}
	for c.err == nil && len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.page.IsLeaf() {
			slots := c.slots(top.page)
			if top.pos < len(slots) {
				e := slots[top.pos]
				top.pos++
				if c.accept == nil || c.accept(e) {
					c.entry = e
					return true
				}
				continue
			}
		} else if top.pos < top.page.ChildCount() {
			r := top.page.Child(top.pos)
			if c.skipRef(r) {
				top.pos++
				continue
			}
			if c.atDepth() {
				c.entry = c.aggregate(top.page, top.pos)
				top.pos++
				return true
			}
			p, err := r.Page()
			if err != nil {
				c.err = err
				return false
			}
			c.stack = append(c.stack, cursorFrame{page: p})
			continue
		}

		// This page is done; the root stays so Prev can turn around
		if len(c.stack) == 1 {
			return false
		}
		c.stack = c.stack[:len(c.stack)-1]
		c.stack[len(c.stack)-1].pos++
	}
	return false
}

// Prev moves backward over one entry.
func (c *Cursor[E]) Prev() bool {
	if !c.start(true) {
		return false
	}
	for c.err == nil && len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.page.IsLeaf() {
			slots := c.slots(top.page)
			if top.pos > 0 {
				top.pos--
				e := slots[top.pos]
				if c.accept == nil || c.accept(e) {
					c.entry = e
					return true
				}
				continue
			}
		} else if top.pos > 0 {
			r := top.page.Child(top.pos - 1)
			if c.skipRef(r) {
				top.pos--
				continue
			}
			if c.atDepth() {
				top.pos--
				c.entry = c.aggregate(top.page, top.pos)
				return true
			}
			p, err := r.Page()
			if err != nil {
				c.err = err
				return false
			}
			top.pos--
			c.stack = append(c.stack, cursorFrame{page: p, pos: c.width(p)})
			continue
		}

		if len(c.stack) == 1 {
			return false
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return false
}

// Skip moves forward over n entries without returning them. It reports
// whether all n were skipped. Unfiltered cursors step over whole subtrees
// by span without loading them.
func (c *Cursor[E]) Skip(n int64) bool {
	if c.filter != nil || c.accept != nil || c.maxDepth > 0 {
		for ; n > 0; n-- {
			if !c.Next() {
				return false
			}
		}
		return true
	}
	if n <= 0 {
		return true
	}
	if !c.start(false) {
		return false
	}
	for c.err == nil && len(c.stack) > 0 {
		if n == 0 {
			return true
		}
		top := &c.stack[len(c.stack)-1]
		if top.page.IsLeaf() {
			slots := c.slots(top.page)
			k := int64(len(slots) - top.pos)
			if n <= k {
				top.pos += int(n)
				c.entry = slots[top.pos-1]
				return true
			}
			top.pos = len(slots)
			n -= k
		} else if top.pos < top.page.ChildCount() {
			r := top.page.Child(top.pos)
			if r.span <= n {
				n -= r.span
				top.pos++
				continue
			}
			p, err := r.Page()
			if err != nil {
				c.err = err
				return false
			}
			c.stack = append(c.stack, cursorFrame{page: p})
			continue
		}

		if len(c.stack) == 1 {
			return n == 0
		}
		c.stack = c.stack[:len(c.stack)-1]
		c.stack[len(c.stack)-1].pos++
	}
	return false
}
