package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// bulkFill is the target byte fill of pages written by BulkLoad.
const bulkFill = nodeFillLimit * 9 / 10

type childRef struct {
	firstKey []byte
	id       PageID
}

// BulkLoad builds the tree bottom-up from a strictly ascending stream of
// entries. The tree must be empty. next returns ok=false at the end of input.
//
// Leaves are written left to right and linked as they fill; internal levels
// are then built from each level's first keys until a single root remains.
func (t *BPlusTree) BulkLoad(ctx context.Context, next func() (Entry, bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, err := t.bp.FetchPage(ctx, t.rootID)
	if err != nil {
		return err
	}
	if root.GetPageType() != PageTypeLeaf || root.GetKeyCount() != 0 {
		t.bp.UnpinPage(root.ID, false)
		return fmt.Errorf("bulk load requires an empty tree")
	}

	var (
		level    []childRef
		cur      = root
		entries  []Entry
		size     = PageHeaderSize
		prevKey  []byte
		finished bool
	)

	flush := func(last bool) error {
		if len(entries) > 0 {
			level = append(level, childRef{firstKey: entries[0].Key, id: cur.ID})
		}
		if !last {
			nxt, err := t.bp.NewPage(PageTypeLeaf)
			if err != nil {
				return err
			}
			cur.SetNextPage(nxt.ID)
			nxt.SetPrevPage(cur.ID)
			if err := t.writeLeafEntries(cur, entries); err != nil {
				t.bp.UnpinPage(nxt.ID, true)
				return err
			}
			t.bp.UnpinPage(cur.ID, true)
			cur = nxt
			entries = nil
			size = PageHeaderSize
			return nil
		}
		err := t.writeLeafEntries(cur, entries)
		t.bp.UnpinPage(cur.ID, true)
		return err
	}

	for !finished {
		if err := ctx.Err(); err != nil {
			t.bp.UnpinPage(cur.ID, true)
			return err
		}
		e, ok, err := next()
		if err != nil {
			t.bp.UnpinPage(cur.ID, true)
			return err
		}
		if !ok {
			finished = true
			break
		}
		if len(e.Key) == 0 || len(e.Key) > MaxKeySize {
			t.bp.UnpinPage(cur.ID, true)
			return fmt.Errorf("%w: key of %d bytes", util.ErrEntryTooLarge, len(e.Key))
		}
		if prevKey != nil && bytes.Compare(e.Key, prevKey) <= 0 {
			t.bp.UnpinPage(cur.ID, true)
			return fmt.Errorf("%w: %x after %x", util.ErrNotSorted, e.Key, prevKey)
		}
		prevKey = e.Key

		stored, err := t.encodeValue(ctx, e.Value)
		if err != nil {
			t.bp.UnpinPage(cur.ID, true)
			return err
		}
		se := Entry{Key: e.Key, Value: stored}
		if len(entries) > 0 && (len(entries) >= t.order || size+entrySize(se) > bulkFill) {
			if err := flush(false); err != nil {
				return err
			}
		}
		entries = append(entries, se)
		size += entrySize(se)
	}
	if err := flush(true); err != nil {
		return err
	}

	for len(level) > 1 {
		if level, err = t.buildInternalLevel(level); err != nil {
			return err
		}
	}
	if len(level) == 1 && level[0].id != t.rootID {
		t.setRoot(level[0].id)
	}
	return nil
}

func (t *BPlusTree) buildInternalLevel(children []childRef) ([]childRef, error) {
	var parents []childRef
	for i := 0; i < len(children); {
		node, err := t.bp.NewPage(PageTypeIndex)
		if err != nil {
			return nil, err
		}
		leftPtr := children[i].id
		first := children[i].firstKey
		i++

		var entries []Entry
		size := InternalHeaderSize
		for i < len(children) {
			e := childEntry(children[i].firstKey, children[i].id)
			if len(entries) >= t.order || size+entrySize(e) > bulkFill {
				break
			}
			entries = append(entries, e)
			size += entrySize(e)
			i++
		}
		err = t.writeInternalEntries(node, leftPtr, entries)
		t.bp.UnpinPage(node.ID, true)
		if err != nil {
			return nil, err
		}
		parents = append(parents, childRef{firstKey: first, id: node.ID})
	}
	return parents, nil
}
