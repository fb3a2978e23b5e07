package record

import (
	"bytes"
	"context"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// cursorArena maps cursor handles to their positions. The store only ever
// holds handles and positions, never the cursors themselves.
type cursorArena struct {
	mu    sync.Mutex
	next  uint64
	slots map[uint64]*cursorSlot
}

type cursorSlot struct {
	pos  RecordID
	lost bool
}

func (a *cursorArena) init() {
	a.slots = make(map[uint64]*cursorSlot)
}

func (a *cursorArena) register() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.slots[a.next] = &cursorSlot{}
	return a.next
}

func (a *cursorArena) release(h uint64) {
	a.mu.Lock()
	delete(a.slots, h)
	a.mu.Unlock()
}

func (a *cursorArena) setPosition(h uint64, rid RecordID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[h]; ok {
		s.pos = append(s.pos[:0], rid...)
	}
}

// park moves h to rid and clears a lost position.
func (a *cursorArena) park(h uint64, rid RecordID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[h]; ok {
		s.pos = append(s.pos[:0], rid...)
		s.lost = false
	}
}

// lost reports whether the record under h was evicted.
func (a *cursorArena) lost(h uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h]
	return ok && s.lost
}

func (a *cursorArena) invalidate(rid RecordID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		if s.pos != nil && bytes.Equal(s.pos, rid) {
			s.lost = true
		}
	}
}

// OpenCursors returns the number of registered cursors.
func (s *Store) OpenCursors() int {
	s.cursors.mu.Lock()
	defer s.cursors.mu.Unlock()
	return len(s.cursors.slots)
}

// Cursor scans the records visible at one snapshot. On a capped store, a
// cursor whose current record is evicted fails its next advance with
// CappedPositionLost.
type Cursor struct {
	store   *Store
	handle  uint64
	ctx     context.Context
	snap    mvcc.Timestamp
	reverse bool

	it     *storage.Iterator
	cur    Version
	last   RecordID
	err    error
	closed bool
}

// Scan opens a cursor over the whole store. Close it when done.
func (s *Store) Scan(ctx context.Context, snap mvcc.Timestamp, reverse bool) *Cursor {
	return &Cursor{
		store:   s,
		handle:  s.cursors.register(),
		ctx:     ctx,
		snap:    snap,
		reverse: reverse,
		it:      s.tree.NewIterator(ctx, storage.IterOptions{Reverse: reverse}),
	}
}

// Next advances to the next visible record.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.store.cursors.lost(c.handle) {
		c.err = storeerr.Newf(storeerr.CodeCappedPositionLost,
			"capped store %d evicted the record the cursor was positioned on", c.store.id)
		return false
	}
	for c.it.Next() {
		kv := c.it.Entry()
		v, err := DecodeVersion(kv.Key, kv.Value)
		if err != nil {
			c.err = err
			return false
		}
		// At most one version of a record is visible, so no grouping is
		// needed in either direction.
		if !mvcc.IsVisible(v.Start, v.Stop, c.snap) {
			continue
		}
		c.cur = v
		c.last = v.RecordID
		c.store.cursors.setPosition(c.handle, v.RecordID)
		return true
	}
	c.err = storeerr.FromContext(c.it.Err())
	return false
}

// Version returns the current version.
func (c *Cursor) Version() Version { return c.cur }

// Err returns the error that stopped the cursor.
func (c *Cursor) Err() error { return c.err }

// ResumeToken returns the last returned record id.
func (c *Cursor) ResumeToken() []byte {
	return append([]byte(nil), c.last...)
}

// Restore continues after the record named by token, possibly under a new
// context.
func (c *Cursor) Restore(ctx context.Context, token []byte) error {
	if err := storeerr.CheckContext(ctx); err != nil {
		return err
	}
	if c.store.dropped.Load() {
		return storeerr.Newf(storeerr.CodeStorageUnavailable, "store %d was dropped while the cursor was parked", c.store.id)
	}
	if len(token) > 0 && c.store.opts.Capped {
		v, ok, err := c.store.Latest(ctx, token)
		if err != nil {
			return err
		}
		if ok && v.Flags&FlagEvicted != 0 {
			return storeerr.Newf(storeerr.CodeCappedPositionLost,
				"capped store %d evicted the record the cursor was parked on", c.store.id)
		}
	}
	opts := storage.IterOptions{Reverse: c.reverse}
	if len(token) > 0 {
		if c.reverse {
			opts.Upper = append([]byte(nil), token...)
		} else {
			opts.Lower = keystring.PrefixEnd(token)
		}
	}
	c.ctx = ctx
	c.it = c.store.tree.NewIterator(ctx, opts)
	c.last = append(RecordID(nil), token...)
	c.store.cursors.park(c.handle, c.last)
	c.err = nil
	return nil
}

// Close releases the cursor's slot.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.store.cursors.release(c.handle)
}
