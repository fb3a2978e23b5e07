package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// PageID uniquely identifies a page in the data file
type PageID uint64

// PageSize is the size of each page in bytes (8KB)
const PageSize = 8192

// Page types
const (
	PageTypeInvalid  = iota
	PageTypeMeta     // Reserved page 0
	PageTypeFree     // Page on the free list
	PageTypeIndex    // B+ tree internal page
	PageTypeLeaf     // B+ tree leaf page
	PageTypeOverflow // Continuation of a large value
)

// Page header layout:
// - PageType (1 byte)
// - Flags (1 byte)
// - KeyCount (2 bytes) - number of keys in this page
// - FreeSpace (2 bytes) - offset to free space (bytes used on overflow pages)
// - LSN (8 bytes) - last WAL record applied to this page
// - NextPage (8 bytes) - right sibling / next overflow page
// - PrevPage (8 bytes) - left sibling
// Total: 30 bytes
const PageHeaderSize = 30

// Page is a single cached page. mu is the page latch; it protects Data and is
// never held across a call into the buffer pool.
type Page struct {
	ID       PageID
	Data     [PageSize]byte
	dirty    bool
	pinCount atomic.Int32
	mu       sync.RWMutex
}

// NewPage creates a new page with the given ID and type
func NewPage(id PageID, pageType byte) *Page {
	p := &Page{ID: id}
	p.reset(pageType)
	return p
}

func (p *Page) reset(pageType byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.Data[0] = pageType
	binary.LittleEndian.PutUint16(p.Data[4:6], PageHeaderSize)
	p.dirty = true
}

func (p *Page) pin() {
	p.pinCount.Add(1)
}

func (p *Page) unpin() {
	if p.pinCount.Add(-1) < 0 {
		p.pinCount.Store(0)
	}
}

// IsPinned returns true if the page is currently pinned
func (p *Page) IsPinned() bool {
	return p.pinCount.Load() > 0
}

// MarkDirty marks the page as modified
func (p *Page) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// IsDirty reports whether the page differs from its last checkpointed image.
func (p *Page) IsDirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// GetPageType returns the page type
func (p *Page) GetPageType() byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Data[0]
}

// GetKeyCount returns the number of keys in the page
func (p *Page) GetKeyCount() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint16(p.Data[2:4])
}

// GetLSN returns the Log Sequence Number
func (p *Page) GetLSN() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint64(p.Data[6:14])
}

// SetLSN sets the Log Sequence Number
func (p *Page) SetLSN(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[6:14], lsn)
	p.dirty = true
}

// GetNextPage returns the next page ID (for linked pages)
func (p *Page) GetNextPage() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(p.Data[14:22]))
}

// SetNextPage sets the next page ID
func (p *Page) SetNextPage(pageID PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[14:22], uint64(pageID))
	p.dirty = true
}

// GetPrevPage returns the previous page ID (for linked pages)
func (p *Page) GetPrevPage() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(p.Data[22:30]))
}

// SetPrevPage sets the previous page ID
func (p *Page) SetPrevPage(pageID PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[22:30], uint64(pageID))
	p.dirty = true
}

// snapshot copies the page image under the read latch.
func (p *Page) snapshot() *Page {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cp := &Page{ID: p.ID, dirty: p.dirty}
	cp.Data = p.Data
	return cp
}
