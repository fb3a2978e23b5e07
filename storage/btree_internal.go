package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// Leaf Node Layout:
// Header (30 bytes)
// Entries: [KeyLen u16][Key][ValLen u16][StoredValue]
//
// Internal Node Layout:
// Header (30 bytes)
// LeftPtr (8 bytes) - P0
// Entries: [KeyLen u16][Key][ValLen u16][ChildPageID u64]

const InternalHeaderSize = PageHeaderSize + 8

// nodeFillLimit leaves a small margin so a full node always fits its page.
const nodeFillLimit = PageSize - 16

func entrySize(e Entry) int {
	return 4 + len(e.Key) + len(e.Value)
}

func nodeSize(header int, entries []Entry) int {
	size := header
	for _, e := range entries {
		size += entrySize(e)
	}
	return size
}

// splitPoint picks the index that divides entries into two halves of roughly
// equal byte size. The result is always in [1, len(entries)-1].
func splitPoint(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += entrySize(e)
	}
	acc := 0
	for i, e := range entries {
		acc += entrySize(e)
		if acc >= total/2 {
			mid := i + 1
			if mid >= len(entries) {
				mid = len(entries) - 1
			}
			if mid < 1 {
				mid = 1
			}
			return mid
		}
	}
	return len(entries) / 2
}

func readEntries(page *Page, start int) []Entry {
	page.mu.RLock()
	defer page.mu.RUnlock()

	keyCount := int(binary.LittleEndian.Uint16(page.Data[2:4]))
	entries := make([]Entry, 0, keyCount)
	offset := start
	for i := 0; i < keyCount; i++ {
		if offset+2 > PageSize {
			break
		}
		keyLen := int(binary.LittleEndian.Uint16(page.Data[offset : offset+2]))
		offset += 2
		if offset+keyLen+2 > PageSize {
			break
		}
		key := make([]byte, keyLen)
		copy(key, page.Data[offset:offset+keyLen])
		offset += keyLen

		valLen := int(binary.LittleEndian.Uint16(page.Data[offset : offset+2]))
		offset += 2
		if offset+valLen > PageSize {
			break
		}
		value := make([]byte, valLen)
		copy(value, page.Data[offset:offset+valLen])
		offset += valLen

		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries
}

func writeEntries(page *Page, start int, entries []Entry) error {
	page.mu.Lock()
	defer page.mu.Unlock()

	for i := start; i < PageSize; i++ {
		page.Data[i] = 0
	}

	offset := start
	for i, entry := range entries {
		needed := entrySize(entry)
		if offset+needed > PageSize {
			return fmt.Errorf("%w: cannot fit entry %d", util.ErrPageFull, i)
		}
		binary.LittleEndian.PutUint16(page.Data[offset:offset+2], uint16(len(entry.Key)))
		offset += 2
		copy(page.Data[offset:offset+len(entry.Key)], entry.Key)
		offset += len(entry.Key)
		binary.LittleEndian.PutUint16(page.Data[offset:offset+2], uint16(len(entry.Value)))
		offset += 2
		copy(page.Data[offset:offset+len(entry.Value)], entry.Value)
		offset += len(entry.Value)
	}
	binary.LittleEndian.PutUint16(page.Data[2:4], uint16(len(entries)))
	binary.LittleEndian.PutUint16(page.Data[4:6], uint16(offset))
	page.dirty = true
	return nil
}

func (t *BPlusTree) getLeafEntries(page *Page) []Entry {
	return readEntries(page, PageHeaderSize)
}

func (t *BPlusTree) writeLeafEntries(page *Page, entries []Entry) error {
	return writeEntries(page, PageHeaderSize, entries)
}

// getLeftPtr returns the left-most child pointer (P0)
func (t *BPlusTree) getLeftPtr(page *Page) PageID {
	page.mu.RLock()
	defer page.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(page.Data[PageHeaderSize : PageHeaderSize+8]))
}

func (t *BPlusTree) getInternalEntries(page *Page) []Entry {
	return readEntries(page, InternalHeaderSize)
}

// writeInternalEntries writes the left pointer and entries of an internal page
func (t *BPlusTree) writeInternalEntries(page *Page, leftPtr PageID, entries []Entry) error {
	if err := writeEntries(page, InternalHeaderSize, entries); err != nil {
		return err
	}
	page.mu.Lock()
	binary.LittleEndian.PutUint64(page.Data[PageHeaderSize:PageHeaderSize+8], uint64(leftPtr))
	page.mu.Unlock()
	return nil
}

func childEntry(key []byte, child PageID) Entry {
	childBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(childBytes, uint64(child))
	return Entry{Key: key, Value: childBytes}
}

func childOf(e Entry) (PageID, error) {
	if len(e.Value) != 8 {
		return 0, fmt.Errorf("%w: invalid internal node value length %d", util.ErrDatabaseCorrupt, len(e.Value))
	}
	return PageID(binary.LittleEndian.Uint64(e.Value)), nil
}

// searchInternal finds the child page ID that might contain the key.
// P0 holds keys < K1, Pi holds keys in [Ki, Ki+1).
func (t *BPlusTree) searchInternal(page *Page, key []byte) (PageID, error) {
	currPtr := t.getLeftPtr(page)
	for _, entry := range t.getInternalEntries(page) {
		if bytes.Compare(key, entry.Key) < 0 {
			return currPtr, nil
		}
		ptr, err := childOf(entry)
		if err != nil {
			return 0, err
		}
		currPtr = ptr
	}
	return currPtr, nil
}

// children lists every child pointer of an internal page in key order.
func (t *BPlusTree) children(page *Page) ([]PageID, error) {
	ids := []PageID{t.getLeftPtr(page)}
	for _, entry := range t.getInternalEntries(page) {
		ptr, err := childOf(entry)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ptr)
	}
	return ids, nil
}

// insertIntoInternal inserts key/childID into an internal node and splits if needed
func (t *BPlusTree) insertIntoInternal(page *Page, key []byte, childID PageID) ([]byte, PageID, error) {
	entries := t.getInternalEntries(page)
	leftPtr := t.getLeftPtr(page)

	insertPos := 0
	for i, entry := range entries {
		if bytes.Compare(key, entry.Key) < 0 {
			break
		}
		insertPos = i + 1
	}

	newEntries := make([]Entry, 0, len(entries)+1)
	newEntries = append(newEntries, entries[:insertPos]...)
	newEntries = append(newEntries, childEntry(key, childID))
	newEntries = append(newEntries, entries[insertPos:]...)

	if len(newEntries) > t.order || nodeSize(InternalHeaderSize, newEntries) > nodeFillLimit {
		return t.splitInternal(page, leftPtr, newEntries)
	}
	return nil, 0, t.writeInternalEntries(page, leftPtr, newEntries)
}

// splitInternal performs the split and returns the promoted key and new sibling.
//
//	Old:   P0 K1 P1 ... Kmid Pmid ... Kn Pn
//	Left:  P0 K1 ... Pmid-1
//	Up:    Kmid
//	Right: Pmid Kmid+1 ... Pn
func (t *BPlusTree) splitInternal(page *Page, leftPtr PageID, entries []Entry) ([]byte, PageID, error) {
	newPage, err := t.bp.NewPage(PageTypeIndex)
	if err != nil {
		return nil, 0, err
	}
	defer t.bp.UnpinPage(newPage.ID, true)

	mid := splitPoint(entries)
	promoteEntry := entries[mid]
	rightLeftPtr, err := childOf(promoteEntry)
	if err != nil {
		return nil, 0, err
	}

	if err := t.writeInternalEntries(page, leftPtr, entries[:mid]); err != nil {
		return nil, 0, err
	}
	if err := t.writeInternalEntries(newPage, rightLeftPtr, entries[mid+1:]); err != nil {
		return nil, 0, err
	}
	return promoteEntry.Key, newPage.ID, nil
}
