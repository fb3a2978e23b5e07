package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// PageProvider is the capability a tree needs from the cache.
type PageProvider interface {
	FetchPage(ctx context.Context, id PageID) (*Page, error)
	NewPage(pageType byte) (*Page, error)
	UnpinPage(id PageID, isDirty bool)
	FreePage(id PageID)
}

// Durable is implemented by components that can make their state crash-safe.
type Durable interface {
	Checkpoint(ctx context.Context) error
}

// BufferPool manages in-memory pages using Segmented LRU (SLRU) eviction policy.
//
// SLRU Mechanism:
//   - Probation Segment: new pages start here. If accessed again, they move to Protected.
//   - Protected Segment: hot pages reside here. If full, pages are demoted back to Probation.
//   - Eviction: tail of Probation first, then tail of Protected. Dirty victims go
//     to the swap file.
type BufferPool struct {
	capacity     int
	protectedCap int
	pages        map[PageID]*bufferEntry
	protected    *list.List
	probation    *list.List
	pager        *Pager
	mu           sync.Mutex
}

type bufferEntry struct {
	page        *Page
	element     *list.Element
	isProtected bool
}

var _ PageProvider = (*BufferPool)(nil)

// NewBufferPool creates a new buffer pool with the given capacity
func NewBufferPool(capacity int, pager *Pager) *BufferPool {
	protectedCap := int(float64(capacity) * 0.8)
	if protectedCap < 1 {
		protectedCap = 1
	}

	return &BufferPool{
		capacity:     capacity,
		protectedCap: protectedCap,
		pages:        make(map[PageID]*bufferEntry),
		protected:    list.New(),
		probation:    list.New(),
		pager:        pager,
	}
}

// Pager exposes the underlying pager.
func (bp *BufferPool) Pager() *Pager {
	return bp.pager
}

// FetchPage returns the page pinned. A miss is a suspension point: the context
// is checked before going to disk.
func (bp *BufferPool) FetchPage(ctx context.Context, pageID PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if entry, exists := bp.pages[pageID]; exists {
		entry.page.pin()
		bp.touch(entry)
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return entry.page, nil
	}

	if err := storeerr.CheckContext(ctx); err != nil {
		return nil, err
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()

	if len(bp.pages) >= bp.capacity {
		if err := bp.evictPage(); err != nil {
			return nil, err
		}
	}

	page, err := bp.pager.ReadPage(pageID)
	if err != nil {
		return nil, ioError(err)
	}

	bp.pages[pageID] = &bufferEntry{
		page:    page,
		element: bp.probation.PushFront(pageID),
	}
	page.pin()
	return page, nil
}

// touch applies the SLRU promotion rules. Caller holds bp.mu.
func (bp *BufferPool) touch(entry *bufferEntry) {
	if entry.isProtected {
		bp.protected.MoveToFront(entry.element)
		return
	}

	bp.probation.Remove(entry.element)
	entry.element = bp.protected.PushFront(entry.page.ID)
	entry.isProtected = true

	if bp.protected.Len() > bp.protectedCap {
		demoteElem := bp.protected.Back()
		demoteID := demoteElem.Value.(PageID)
		demoteEntry := bp.pages[demoteID]
		bp.protected.Remove(demoteElem)
		demoteEntry.element = bp.probation.PushFront(demoteID)
		demoteEntry.isProtected = false
	}
}

// NewPage allocates a page and returns it pinned and dirty.
func (bp *BufferPool) NewPage(pageType byte) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	pageID := bp.pager.AllocatePage()

	// A reused page may still be cached from its previous life.
	if entry, exists := bp.pages[pageID]; exists {
		entry.page.reset(pageType)
		entry.page.pin()
		bp.touch(entry)
		return entry.page, nil
	}

	if len(bp.pages) >= bp.capacity {
		if err := bp.evictPage(); err != nil {
			bp.pager.FreePage(pageID)
			return nil, err
		}
	}

	page := NewPage(pageID, pageType)
	bp.pages[pageID] = &bufferEntry{
		page:    page,
		element: bp.probation.PushFront(pageID),
	}
	page.pin()
	return page, nil
}

// UnpinPage unpins a page, making it eligible for eviction
func (bp *BufferPool) UnpinPage(pageID PageID, isDirty bool) {
	bp.mu.Lock()
	entry, exists := bp.pages[pageID]
	bp.mu.Unlock()

	if !exists {
		return
	}
	if isDirty {
		entry.page.MarkDirty()
	}
	entry.page.unpin()
}

// FreePage drops a page from the cache and hands it back to the pager.
func (bp *BufferPool) FreePage(pageID PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if entry, exists := bp.pages[pageID]; exists {
		if entry.isProtected {
			bp.protected.Remove(entry.element)
		} else {
			bp.probation.Remove(entry.element)
		}
		delete(bp.pages, pageID)
	}
	bp.pager.FreePage(pageID)
}

// evictPage evicts the least recently used unpinned page.
// Caller must hold bp.mu
func (bp *BufferPool) evictPage() error {
	evictFromList := func(l *list.List) (bool, error) {
		for element := l.Back(); element != nil; element = element.Prev() {
			pageID := element.Value.(PageID)
			entry := bp.pages[pageID]

			if entry.page.IsPinned() {
				continue
			}

			if entry.page.IsDirty() {
				if err := bp.pager.WriteSwap(entry.page.snapshot()); err != nil {
					return false, err
				}
			}

			l.Remove(element)
			delete(bp.pages, pageID)
			metrics.CacheEvents.WithLabelValues("evict").Inc()
			return true, nil
		}
		return false, nil
	}

	evicted, err := evictFromList(bp.probation)
	if err != nil {
		return ioError(err)
	}
	if evicted {
		return nil
	}

	evicted, err = evictFromList(bp.protected)
	if err != nil {
		return ioError(err)
	}
	if evicted {
		return nil
	}

	return storeerr.Newf(storeerr.CodeTemporarilyUnavailable,
		"page cache exhausted: all %d pages are pinned", len(bp.pages))
}

func ioError(err error) error {
	var se *storeerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, util.ErrDatabaseCorrupt) {
		return storeerr.Wrap(storeerr.CodeDataCorruption, err, "page image is corrupt")
	}
	return storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "page I/O failed")
}

// DirtyPages returns images of every page changed since the last checkpoint,
// sorted by ID. Writers must be quiesced by the caller.
func (bp *BufferPool) DirtyPages() ([]*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	seen := make(map[PageID]bool)
	var out []*Page
	for id, entry := range bp.pages {
		if entry.page.IsDirty() {
			out = append(out, entry.page.snapshot())
			seen[id] = true
		}
	}
	for _, id := range bp.pager.SwappedPages() {
		if seen[id] {
			continue
		}
		page, err := bp.pager.ReadPage(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read swapped page %d: %w", id, err)
		}
		out = append(out, page)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkClean clears dirty flags after a checkpoint and empties the swap file.
func (bp *BufferPool) MarkClean() error {
	bp.mu.Lock()
	for _, entry := range bp.pages {
		entry.page.mu.Lock()
		entry.page.dirty = false
		entry.page.mu.Unlock()
	}
	bp.mu.Unlock()
	return bp.pager.ResetSwap()
}

// Size returns the current number of pages in the buffer pool
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pages)
}

// Stats reports cache occupancy.
func (bp *BufferPool) Stats() (resident, dirty, pinned int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, entry := range bp.pages {
		resident++
		if entry.page.IsDirty() {
			dirty++
		}
		if entry.page.IsPinned() {
			pinned++
		}
	}
	return resident, dirty, pinned
}

// Close closes the pager. Unflushed pages are dropped; callers checkpoint first.
func (bp *BufferPool) Close() error {
	return bp.pager.Close()
}
