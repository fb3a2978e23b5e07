package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// Stored value layout in leaves:
//
//	inline:   [0x00][value]
//	overflow: [0x01][first page u64][length u32]
//
// Overflow pages hold raw bytes after the header; the FreeSpace field records
// how many bytes of the page are used.
const (
	valueInline     byte = 0x00
	valueOverflow   byte = 0x01
	maxInlineValue       = 1024
	overflowPayload      = PageSize - PageHeaderSize
	// MaxValueSize bounds a single value.
	MaxValueSize = 16 * 1024 * 1024
)

func (t *BPlusTree) encodeValue(ctx context.Context, value []byte) ([]byte, error) {
	if len(value) <= maxInlineValue {
		stored := make([]byte, 1+len(value))
		stored[0] = valueInline
		copy(stored[1:], value)
		return stored, nil
	}
	if len(value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value of %d bytes", util.ErrEntryTooLarge, len(value))
	}

	// Write the chain back to front so each page can link to its successor
	// without being fetched again.
	var next PageID
	chunks := (len(value) + overflowPayload - 1) / overflowPayload
	for i := chunks - 1; i >= 0; i-- {
		start := i * overflowPayload
		end := start + overflowPayload
		if end > len(value) {
			end = len(value)
		}

		page, err := t.bp.NewPage(PageTypeOverflow)
		if err != nil {
			if next != 0 {
				t.freeChain(ctx, next)
			}
			return nil, err
		}
		page.mu.Lock()
		copy(page.Data[PageHeaderSize:], value[start:end])
		binary.LittleEndian.PutUint16(page.Data[4:6], uint16(end-start))
		binary.LittleEndian.PutUint64(page.Data[14:22], uint64(next))
		page.dirty = true
		page.mu.Unlock()
		t.bp.UnpinPage(page.ID, true)
		next = page.ID
	}

	stored := make([]byte, 13)
	stored[0] = valueOverflow
	binary.LittleEndian.PutUint64(stored[1:9], uint64(next))
	binary.LittleEndian.PutUint32(stored[9:13], uint32(len(value)))
	return stored, nil
}

func (t *BPlusTree) decodeValue(ctx context.Context, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: empty stored value", util.ErrDatabaseCorrupt)
	}
	switch stored[0] {
	case valueInline:
		out := make([]byte, len(stored)-1)
		copy(out, stored[1:])
		return out, nil
	case valueOverflow:
		if len(stored) != 13 {
			return nil, fmt.Errorf("%w: bad overflow reference", util.ErrDatabaseCorrupt)
		}
		id := PageID(binary.LittleEndian.Uint64(stored[1:9]))
		total := int(binary.LittleEndian.Uint32(stored[9:13]))
		out := make([]byte, 0, total)
		for id != 0 && len(out) < total {
			page, err := t.bp.FetchPage(ctx, id)
			if err != nil {
				return nil, err
			}
			page.mu.RLock()
			used := int(binary.LittleEndian.Uint16(page.Data[4:6]))
			if used > overflowPayload {
				used = overflowPayload
			}
			out = append(out, page.Data[PageHeaderSize:PageHeaderSize+used]...)
			id = PageID(binary.LittleEndian.Uint64(page.Data[14:22]))
			page.mu.RUnlock()
			t.bp.UnpinPage(page.ID, false)
		}
		if len(out) != total {
			return nil, fmt.Errorf("%w: overflow chain truncated (%d of %d bytes)", util.ErrDatabaseCorrupt, len(out), total)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown value tag %d", util.ErrDatabaseCorrupt, stored[0])
}

// freeValue releases the overflow chain of a stored value, if any.
func (t *BPlusTree) freeValue(ctx context.Context, stored []byte) {
	if len(stored) == 13 && stored[0] == valueOverflow {
		t.freeChain(ctx, PageID(binary.LittleEndian.Uint64(stored[1:9])))
	}
}

func (t *BPlusTree) freeChain(ctx context.Context, id PageID) {
	ctx = context.WithoutCancel(ctx)
	for id != 0 {
		page, err := t.bp.FetchPage(ctx, id)
		if err != nil {
			// Leaking the rest of the chain is safe; it is unreachable.
			return
		}
		next := page.GetNextPage()
		t.bp.UnpinPage(id, false)
		t.bp.FreePage(id)
		id = next
	}
}
