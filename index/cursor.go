package index

import (
	"bytes"
	"context"

	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Bounds limits a seek by index key values, in index order. Both ends are
// inclusive and may name a prefix of the key pattern; nil is unbounded.
type Bounds struct {
	Lower []interface{}
	Upper []interface{}
}

// Point returns bounds matching exactly the given key values.
func Point(values ...interface{}) Bounds {
	return Bounds{Lower: values, Upper: values}
}

func (ix *Index) encodeBounds(b Bounds) (lower, upper []byte, err error) {
	if b.Lower != nil {
		if lower, err = keystring.Encode(b.Lower, ix.dirs); err != nil {
			return nil, nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode lower bound")
		}
	}
	if b.Upper != nil {
		enc, err := keystring.Encode(b.Upper, ix.dirs)
		if err != nil {
			return nil, nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "encode upper bound")
		}
		upper = keystring.PrefixEnd(enc)
	}
	return lower, upper, nil
}

// InBounds reports whether an index key produced by Keys falls within b.
func (ix *Index) InBounds(b Bounds, key []byte) (bool, error) {
	lower, upper, err := ix.encodeBounds(b)
	if err != nil {
		return false, err
	}
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false, nil
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false, nil
	}
	return true, nil
}

// Cursor yields the entries of an index visible at one snapshot. Between
// calls it holds no page and no latch; ResumeToken and Restore let a caller
// park it for any length of time.
type Cursor struct {
	ix      *Index
	ctx     context.Context
	lower   []byte
	upper   []byte
	reverse bool
	snap    mvcc.Timestamp

	it      *storage.Iterator
	last    []byte
	resumed []byte // token of the last Restore
	cur     Entry
	seen    map[string]bool
	err     error
	ended   bool
}

// Seek opens a cursor over b at snapshot snap.
func (ix *Index) Seek(ctx context.Context, b Bounds, reverse bool, snap mvcc.Timestamp) (*Cursor, error) {
	lower, upper, err := ix.encodeBounds(b)
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		ix:      ix,
		ctx:     ctx,
		lower:   lower,
		upper:   upper,
		reverse: reverse,
		snap:    snap,
		seen:    make(map[string]bool),
	}
	c.it = ix.tree.NewIterator(ctx, storage.IterOptions{Lower: lower, Upper: upper, Reverse: reverse})
	return c, nil
}

// Next advances to the next visible entry. Each record is returned once even
// if it holds several keys; after Restore, Returned filters records handed
// out before the cursor was parked.
func (c *Cursor) Next() bool {
	if c.ended || c.err != nil {
		return false
	}
	for c.it.Next() {
		kv := c.it.Entry()
		c.last = kv.Key
		e, err := DecodeEntry(kv.Key, kv.Value)
		if err != nil {
			c.err = err
			return false
		}
		if !mvcc.IsVisible(e.Start, e.Stop, c.snap) || c.seen[string(e.RecordID)] {
			continue
		}
		c.seen[string(e.RecordID)] = true
		c.cur = e
		return true
	}
	if err := c.it.Err(); err != nil {
		c.err = storeerr.FromContext(err)
		return false
	}
	c.ended = true
	return false
}

// Entry returns the current entry.
func (c *Cursor) Entry() Entry { return c.cur }

// Err returns the error that stopped the cursor.
func (c *Cursor) Err() error { return c.err }

// ResumeToken returns the position after which Restore continues.
func (c *Cursor) ResumeToken() []byte {
	return append([]byte(nil), c.last...)
}

// Restore repositions the cursor just past token, possibly under a new
// context. A dropped index fails with StorageUnavailable.
func (c *Cursor) Restore(ctx context.Context, token []byte) error {
	if err := storeerr.CheckContext(ctx); err != nil {
		return err
	}
	if c.ix.dropped.Load() {
		return storeerr.Newf(storeerr.CodeStorageUnavailable, "index %q was dropped while the cursor was parked", c.ix.spec.Name)
	}
	c.ended = false
	opts := storage.IterOptions{Lower: c.lower, Upper: c.upper, Reverse: c.reverse}
	if token != nil {
		if c.reverse {
			if c.lower != nil && bytes.Compare(token, c.lower) < 0 {
				c.ended = true
			}
			opts.Upper = append([]byte(nil), token...)
		} else {
			if c.upper != nil && bytes.Compare(token, c.upper) >= 0 {
				c.ended = true
			}
			opts.Lower = append(append([]byte(nil), token...), 0x00)
		}
	}
	c.ctx = ctx
	c.it = c.ix.tree.NewIterator(ctx, opts)
	c.last = append([]byte(nil), token...)
	c.resumed = c.last
	if token == nil {
		c.resumed = nil
	}
	c.err = nil
	return nil
}

// Returned reports whether a record met after Restore was already returned
// before the cursor was parked. keys are the record's index keys, produced by
// Keys from the version visible at the cursor's snapshot. A multikey record
// is returned at its first in-bounds key in scan order, so it was returned
// earlier exactly when one of its in-bounds entries sorts at or before the
// resume token.
func (c *Cursor) Returned(rid []byte, keys [][]byte) bool {
	if c.resumed == nil {
		return false
	}
	for _, k := range keys {
		if c.lower != nil && bytes.Compare(k, c.lower) < 0 {
			continue
		}
		if c.upper != nil && bytes.Compare(k, c.upper) >= 0 {
			continue
		}
		prefix := append(append(make([]byte, 0, len(k)+len(rid)), k...), rid...)
		if bytes.HasPrefix(c.resumed, prefix) {
			return true
		}
		cmp := bytes.Compare(prefix, c.resumed)
		if (!c.reverse && cmp < 0) || (c.reverse && cmp > 0) {
			return true
		}
	}
	return false
}

// Close releases the cursor.
func (c *Cursor) Close() {
	c.ended = true
	c.seen = nil
}
