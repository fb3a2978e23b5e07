package storage

import (
	"bytes"
	"context"
)

// IterOptions bounds an iteration. Lower is inclusive, Upper exclusive; nil
// means unbounded.
type IterOptions struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
}

// Iterator walks a tree lazily, one leaf at a time. Between batches it holds
// no latch and no pin: each batch re-descends from the root using the last
// returned key, so concurrent splits never invalidate it.
type Iterator struct {
	tree    *BPlusTree
	ctx     context.Context
	opts    IterOptions
	buf     []Entry
	pos     int
	lastKey []byte
	started bool
	done    bool
	err     error
	cur     Entry

	seekInclusive bool
}

// NewIterator creates an iterator positioned before the first entry.
func (t *BPlusTree) NewIterator(ctx context.Context, opts IterOptions) *Iterator {
	return &Iterator{tree: t, ctx: ctx, opts: opts}
}

// Next advances the iterator. It returns false at the end or on error.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for it.pos >= len(it.buf) {
		if err := it.fill(); err != nil {
			it.err = err
			it.done = true
			return false
		}
		if len(it.buf) == 0 {
			it.done = true
			return false
		}
	}

	e := it.buf[it.pos]
	it.pos++
	if it.opts.Reverse {
		if it.opts.Lower != nil && bytes.Compare(e.Key, it.opts.Lower) < 0 {
			it.done = true
			return false
		}
	} else if it.opts.Upper != nil && bytes.Compare(e.Key, it.opts.Upper) >= 0 {
		it.done = true
		return false
	}
	it.cur = e
	it.lastKey = e.Key
	return true
}

// Entry returns the current entry. Valid after Next returned true.
func (it *Iterator) Entry() Entry {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Seek repositions the iterator so the next entry is the first one at or
// after key (at or before, for reverse iterators).
func (it *Iterator) Seek(key []byte) {
	it.buf = nil
	it.pos = 0
	it.done = false
	it.err = nil
	it.started = true
	it.lastKey = append([]byte(nil), key...)
	it.seekInclusive = true
}

func (it *Iterator) fill() error {
	var (
		entries []Entry
		err     error
	)
	inclusive := it.seekInclusive || !it.started
	from := it.lastKey
	if !it.started {
		if it.opts.Reverse {
			from = it.opts.Upper
			inclusive = false
		} else {
			from = it.opts.Lower
		}
	}

	if it.opts.Reverse {
		entries, err = it.tree.batchBefore(it.ctx, from, inclusive)
	} else {
		entries, err = it.tree.batchAfter(it.ctx, from, inclusive)
	}
	if err != nil {
		return err
	}
	it.started = true
	it.seekInclusive = false
	it.buf = entries
	it.pos = 0
	return nil
}

// batchAfter returns the entries of the first non-empty leaf holding keys
// greater than key (or equal, if inclusive). nil key means the first leaf.
func (t *BPlusTree) batchAfter(ctx context.Context, key []byte, inclusive bool) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, err := t.descend(ctx, key, false)
	if err != nil {
		return nil, err
	}
	for {
		var out []Entry
		for _, e := range t.getLeafEntries(leaf) {
			c := 1
			if key != nil {
				c = bytes.Compare(e.Key, key)
			}
			if c > 0 || (c == 0 && inclusive) {
				out = append(out, e)
			}
		}
		next := leaf.GetNextPage()
		t.bp.UnpinPage(leaf.ID, false)

		if len(out) > 0 {
			return t.resolve(ctx, out)
		}
		if next == 0 {
			return nil, nil
		}
		if leaf, err = t.bp.FetchPage(ctx, next); err != nil {
			return nil, err
		}
	}
}

// batchBefore mirrors batchAfter for reverse iteration. Entries come back in
// descending order. nil key means the last leaf.
func (t *BPlusTree) batchBefore(ctx context.Context, key []byte, inclusive bool) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, err := t.descend(ctx, key, key == nil)
	if err != nil {
		return nil, err
	}
	for {
		var out []Entry
		entries := t.getLeafEntries(leaf)
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			c := -1
			if key != nil {
				c = bytes.Compare(e.Key, key)
			}
			if c < 0 || (c == 0 && inclusive) {
				out = append(out, e)
			}
		}
		prev := leaf.GetPrevPage()
		t.bp.UnpinPage(leaf.ID, false)

		if len(out) > 0 {
			return t.resolve(ctx, out)
		}
		if prev == 0 {
			return nil, nil
		}
		if leaf, err = t.bp.FetchPage(ctx, prev); err != nil {
			return nil, err
		}
	}
}

func (t *BPlusTree) resolve(ctx context.Context, entries []Entry) ([]Entry, error) {
	for i := range entries {
		v, err := t.decodeValue(ctx, entries[i].Value)
		if err != nil {
			return nil, err
		}
		entries[i].Value = v
	}
	return entries, nil
}

// Count returns the number of entries. Used by validation and tests.
func (t *BPlusTree) Count(ctx context.Context) (int, error) {
	it := t.NewIterator(ctx, IterOptions{})
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}
