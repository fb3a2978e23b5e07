package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// MaxKeySize bounds tree keys so that any node split leaves both halves within a page.
const MaxKeySize = 1024

// BPlusTree is a page-backed ordered byte map.
//
// Properties:
//   - Order: max keys per node (64), with byte-size based splitting.
//   - Values larger than maxInlineValue live in overflow page chains.
//   - Deletion is lazy: pages are never merged.
//   - Root changes are reported through OnRootChange so the owner can persist
//     the root at the next checkpoint.
//
// mu is the tree latch: writers hold it exclusively, readers shared. Page
// latches are taken underneath it and are never held across a fetch.
type BPlusTree struct {
	bp           PageProvider
	rootID       PageID
	mu           sync.RWMutex
	order        int
	onRootChange func(PageID)
}

// Entry represents a key-value pair in the B+ tree
type Entry struct {
	Key   []byte
	Value []byte
}

// NewBPlusTree creates an empty tree with a fresh leaf root.
func NewBPlusTree(bp PageProvider) (*BPlusTree, error) {
	rootPage, err := bp.NewPage(PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	bp.UnpinPage(rootPage.ID, true)

	return &BPlusTree{
		bp:     bp,
		rootID: rootPage.ID,
		order:  64,
	}, nil
}

// LoadBPlusTree restores a tree from a known root page ID.
func LoadBPlusTree(ctx context.Context, bp PageProvider, rootID PageID) (*BPlusTree, error) {
	page, err := bp.FetchPage(ctx, rootID)
	if err != nil {
		return nil, err
	}
	defer bp.UnpinPage(rootID, false)

	if pt := page.GetPageType(); pt != PageTypeLeaf && pt != PageTypeIndex {
		return nil, fmt.Errorf("%w: invalid page type %d for root %d", util.ErrDatabaseCorrupt, pt, rootID)
	}

	return &BPlusTree{
		bp:     bp,
		rootID: rootID,
		order:  64,
	}, nil
}

// SetOnRootChange registers a callback invoked whenever the root page changes.
func (t *BPlusTree) SetOnRootChange(callback func(PageID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRootChange = callback
}

// GetRootID returns the root page ID
func (t *BPlusTree) GetRootID() PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

func (t *BPlusTree) setRoot(id PageID) {
	t.rootID = id
	if t.onRootChange != nil {
		t.onRootChange(id)
	}
}

// Insert adds or replaces a key-value pair.
//
// Process:
//  1. Traverse: recurse down to the appropriate leaf node.
//  2. Insert: add or replace the entry in the leaf.
//  3. Split: if a node overflows, split it and push the separator up.
//  4. Root split: a new root is created pointing to the two halves.
func (t *BPlusTree) Insert(ctx context.Context, key, value []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes", util.ErrEntryTooLarge, len(key))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stored, err := t.encodeValue(ctx, value)
	if err != nil {
		return err
	}

	splitKey, splitPageID, err := t.insertRecursive(ctx, t.rootID, key, stored)
	if err != nil {
		t.freeValue(ctx, stored)
		return err
	}

	if splitPageID != 0 {
		newRoot, err := t.bp.NewPage(PageTypeIndex)
		if err != nil {
			return err
		}
		err = t.writeInternalEntries(newRoot, t.rootID, []Entry{childEntry(splitKey, splitPageID)})
		t.bp.UnpinPage(newRoot.ID, true)
		if err != nil {
			return err
		}
		t.setRoot(newRoot.ID)
	}
	return nil
}

// insertRecursive returns (promoted key, new sibling) if the node split.
func (t *BPlusTree) insertRecursive(ctx context.Context, pageID PageID, key, stored []byte) ([]byte, PageID, error) {
	page, err := t.bp.FetchPage(ctx, pageID)
	if err != nil {
		return nil, 0, err
	}
	defer t.bp.UnpinPage(pageID, false)

	switch page.GetPageType() {
	case PageTypeLeaf:
		return t.insertIntoLeaf(ctx, page, key, stored)
	case PageTypeIndex:
		childID, err := t.searchInternal(page, key)
		if err != nil {
			return nil, 0, err
		}
		promoteKey, splitChildID, err := t.insertRecursive(ctx, childID, key, stored)
		if err != nil || splitChildID == 0 {
			return nil, 0, err
		}
		return t.insertIntoInternal(page, promoteKey, splitChildID)
	default:
		return nil, 0, fmt.Errorf("%w: invalid page type %d encountered", util.ErrDatabaseCorrupt, page.GetPageType())
	}
}

func (t *BPlusTree) insertIntoLeaf(ctx context.Context, page *Page, key, stored []byte) ([]byte, PageID, error) {
	entries := t.getLeafEntries(page)

	pos, found := searchEntries(entries, key)
	var newEntries []Entry
	if found {
		old := entries[pos].Value
		entries[pos].Value = stored
		newEntries = entries
		defer t.freeValue(ctx, old)
	} else {
		newEntries = make([]Entry, 0, len(entries)+1)
		newEntries = append(newEntries, entries[:pos]...)
		newEntries = append(newEntries, Entry{Key: key, Value: stored})
		newEntries = append(newEntries, entries[pos:]...)
	}

	if len(newEntries) <= t.order && nodeSize(PageHeaderSize, newEntries) <= nodeFillLimit {
		return nil, 0, t.writeLeafEntries(page, newEntries)
	}

	newPage, err := t.bp.NewPage(PageTypeLeaf)
	if err != nil {
		return nil, 0, err
	}
	defer t.bp.UnpinPage(newPage.ID, true)

	mid := splitPoint(newEntries)
	leftEntries, rightEntries := newEntries[:mid], newEntries[mid:]

	oldNext := page.GetNextPage()
	page.SetNextPage(newPage.ID)
	newPage.SetNextPage(oldNext)
	newPage.SetPrevPage(page.ID)
	if oldNext != 0 {
		oldNextPage, err := t.bp.FetchPage(ctx, oldNext)
		if err != nil {
			return nil, 0, err
		}
		oldNextPage.SetPrevPage(newPage.ID)
		t.bp.UnpinPage(oldNext, true)
	}

	if err := t.writeLeafEntries(page, leftEntries); err != nil {
		return nil, 0, err
	}
	if err := t.writeLeafEntries(newPage, rightEntries); err != nil {
		return nil, 0, err
	}
	return rightEntries[0].Key, newPage.ID, nil
}

// searchEntries returns the position of key, or where it would be inserted.
func searchEntries(entries []Entry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(entries) && bytes.Equal(entries[lo].Key, key)
}

// descend returns the pinned leaf that covers key. With rightmost set it
// returns the last leaf instead.
func (t *BPlusTree) descend(ctx context.Context, key []byte, rightmost bool) (*Page, error) {
	page, err := t.bp.FetchPage(ctx, t.rootID)
	if err != nil {
		return nil, err
	}
	for page.GetPageType() == PageTypeIndex {
		var childID PageID
		if rightmost {
			var ids []PageID
			ids, err = t.children(page)
			if err == nil {
				childID = ids[len(ids)-1]
			}
		} else {
			childID, err = t.searchInternal(page, key)
		}
		t.bp.UnpinPage(page.ID, false)
		if err != nil {
			return nil, err
		}
		if page, err = t.bp.FetchPage(ctx, childID); err != nil {
			return nil, err
		}
	}
	if page.GetPageType() != PageTypeLeaf {
		t.bp.UnpinPage(page.ID, false)
		return nil, fmt.Errorf("%w: expected leaf page %d", util.ErrDatabaseCorrupt, page.ID)
	}
	return page, nil
}

// Delete removes a key. It returns util.ErrKeyNotFound if the key is absent.
func (t *BPlusTree) Delete(ctx context.Context, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, err := t.descend(ctx, key, false)
	if err != nil {
		return err
	}
	defer t.bp.UnpinPage(leaf.ID, false)

	entries := t.getLeafEntries(leaf)
	pos, found := searchEntries(entries, key)
	if !found {
		return util.ErrKeyNotFound
	}
	old := entries[pos].Value
	entries = append(entries[:pos], entries[pos+1:]...)
	if err := t.writeLeafEntries(leaf, entries); err != nil {
		return err
	}
	t.freeValue(ctx, old)
	return nil
}

// Search returns the value stored under key or util.ErrKeyNotFound.
func (t *BPlusTree) Search(ctx context.Context, key []byte) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, err := t.descend(ctx, key, false)
	if err != nil {
		return nil, err
	}
	entries := t.getLeafEntries(leaf)
	t.bp.UnpinPage(leaf.ID, false)

	pos, found := searchEntries(entries, key)
	if !found {
		return nil, util.ErrKeyNotFound
	}
	return t.decodeValue(ctx, entries[pos].Value)
}

// Truncate removes every entry, leaving an empty tree with a new root.
func (t *BPlusTree) Truncate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.freeSubtree(ctx, t.rootID); err != nil {
		return err
	}
	root, err := t.bp.NewPage(PageTypeLeaf)
	if err != nil {
		return err
	}
	t.bp.UnpinPage(root.ID, true)
	t.setRoot(root.ID)
	return nil
}

// Drop releases every page of the tree. The tree must not be used afterwards.
func (t *BPlusTree) Drop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.freeSubtree(ctx, t.rootID)
	t.rootID = 0
	return err
}

func (t *BPlusTree) freeSubtree(ctx context.Context, id PageID) error {
	page, err := t.bp.FetchPage(ctx, id)
	if err != nil {
		return err
	}
	var kids []PageID
	var values [][]byte
	if page.GetPageType() == PageTypeIndex {
		kids, err = t.children(page)
	} else {
		for _, e := range t.getLeafEntries(page) {
			values = append(values, e.Value)
		}
	}
	t.bp.UnpinPage(id, false)
	if err != nil {
		return err
	}

	for _, kid := range kids {
		if err := t.freeSubtree(ctx, kid); err != nil {
			return err
		}
	}
	for _, v := range values {
		t.freeValue(ctx, v)
	}
	t.bp.FreePage(id)
	return nil
}
