// Package cursor implements offset pagination state for one history-loading
// session. A cursor is owned by exactly one conversation handle.
package cursor

import "sync"

// State is the pagination state of a cursor.
type State string

const (
	Fresh     State = "FRESH"
	Paging    State = "PAGING"
	Exhausted State = "EXHAUSTED"
)

// DefaultPageSize is used when a cursor is created with a non-positive page size.
const DefaultPageSize = 30

// Cursor tracks offset, page size and has-more for one loading session.
type Cursor struct {
	mu       sync.Mutex
	offset   int
	pageSize int
	hasMore  bool
}

// New creates a fresh cursor.
func New(pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor{pageSize: pageSize, hasMore: true}
}

// PageSize returns the fixed page size of the session.
func (c *Cursor) PageSize() int {
	return c.pageSize
}

// Offset returns the offset of the most recently committed page.
func (c *Cursor) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// HasMore reports whether another page may exist.
func (c *Cursor) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// State returns the current state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Cursor) stateLocked() State {
	switch {
	case !c.hasMore:
		return Exhausted
	case c.offset > 0:
		return Paging
	default:
		return Fresh
	}
}

// Next returns the offset the next page would be read at without committing
// it. For an exhausted cursor it returns the current offset.
func (c *Cursor) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasMore {
		return c.offset
	}
	return c.offset + c.pageSize
}

// Advance commits the next page and returns the new offset. It is a no-op on
// an exhausted cursor.
func (c *Cursor) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasMore {
		return c.offset
	}
	c.offset += c.pageSize
	return c.offset
}

// MarkExhausted records that the store returned an empty page.
func (c *Cursor) MarkExhausted() {
	c.mu.Lock()
	c.hasMore = false
	c.mu.Unlock()
}

// Reset returns the cursor to Fresh.
func (c *Cursor) Reset() {
	c.mu.Lock()
	c.offset = 0
	c.hasMore = true
	c.mu.Unlock()
}
