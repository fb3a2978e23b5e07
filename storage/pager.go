// Package storage implements the page layer of bunstore.
//
// It is responsible for:
//  1. Pager: disk I/O for the data file and the swap file, with optional encryption.
//  2. BufferPool: the SLRU page cache with pinning and dirty tracking.
//  3. BPlusTree: the page-backed ordered map used by record stores and indexes.
//  4. Journal: the double-write area that makes checkpoints atomic.
//
// The data file only changes during a checkpoint. Dirty pages evicted between
// checkpoints are parked in the swap file, which is discarded on restart, so
// the data file always holds the image of the last completed checkpoint.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// Pager manages disk I/O for fixed-size pages.
type Pager struct {
	file         *os.File
	swap         *os.File
	mu           sync.RWMutex
	nextPageID   PageID
	freeList     []PageID
	swapIndex    map[PageID]int64
	swapSlots    []int64 // released swap offsets
	swapEnd      int64
	encryptor    *Encryptor
	diskPageSize int64 // PageSize (+ overhead if encrypted)
}

// NewPager opens (or creates) the data file at filename. If key is non-empty
// pages are encrypted at rest.
func NewPager(filename string, key []byte) (*Pager, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	swap, err := os.OpenFile(filename+".swap", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	var encryptor *Encryptor
	diskPageSize := int64(PageSize)
	if len(key) > 0 {
		encryptor, err = NewEncryptor(key)
		if err != nil {
			file.Close()
			swap.Close()
			return nil, fmt.Errorf("failed to init encryptor: %w", err)
		}
		diskPageSize = encryptedPageSz
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		swap.Close()
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	nextPageID := PageID(info.Size() / diskPageSize)
	if nextPageID == 0 {
		// Page 0 is reserved so that 0 can mean "no page".
		nextPageID = 1
	}

	return &Pager{
		file:         file,
		swap:         swap,
		nextPageID:   nextPageID,
		swapIndex:    make(map[PageID]int64),
		encryptor:    encryptor,
		diskPageSize: diskPageSize,
	}, nil
}

// Restore resets allocation state to a checkpointed image and drops any data
// file pages past it.
func (p *Pager) Restore(nextPageID PageID, freeList []PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nextPageID == 0 {
		nextPageID = 1
	}
	p.nextPageID = nextPageID
	p.freeList = append([]PageID(nil), freeList...)
	if err := p.file.Truncate(int64(nextPageID) * p.diskPageSize); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// AllocatePage reserves a PageID, reusing freed pages first.
func (p *Pager) AllocatePage() PageID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.freeList); n > 0 {
		id := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return id
	}
	id := p.nextPageID
	p.nextPageID++
	return id
}

// FreePage returns a page to the free list.
func (p *Pager) FreePage(id PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off, ok := p.swapIndex[id]; ok {
		delete(p.swapIndex, id)
		p.swapSlots = append(p.swapSlots, off)
	}
	p.freeList = append(p.freeList, id)
}

// AllocationState returns what a checkpoint must persist to restore allocation.
func (p *Pager) AllocationState() (PageID, []PageID) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	free := append([]PageID(nil), p.freeList...)
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	return p.nextPageID, free
}

func (p *Pager) encode(page *Page) ([]byte, error) {
	if p.encryptor == nil {
		return page.Data[:], nil
	}
	sealed, err := p.encryptor.Seal(page.ID, page.Data[:])
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return sealed, nil
}

func (p *Pager) decode(id PageID, raw []byte) (*Page, error) {
	page := &Page{ID: id}
	if p.encryptor == nil {
		copy(page.Data[:], raw)
		return page, nil
	}
	plaintext, err := p.encryptor.Open(id, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed for page %d: %v", util.ErrDatabaseCorrupt, id, err)
	}
	if len(plaintext) != PageSize {
		return nil, fmt.Errorf("%w: corrupt page size after decrypt: %d", util.ErrDatabaseCorrupt, len(plaintext))
	}
	copy(page.Data[:], plaintext)
	return page, nil
}

// ReadPage reads a page, preferring the swap copy over the data file.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID == 0 || pageID >= p.nextPageID {
		return nil, util.ErrInvalidPageID
	}

	raw := make([]byte, p.diskPageSize)
	if off, ok := p.swapIndex[pageID]; ok {
		if _, err := p.swap.ReadAt(raw, off); err != nil {
			return nil, fmt.Errorf("%w: swap: %v", util.ErrDiskReadFailed, err)
		}
		page, err := p.decode(pageID, raw)
		if err != nil {
			return nil, err
		}
		page.dirty = true
		return page, nil
	}

	n, err := p.file.ReadAt(raw, int64(pageID)*p.diskPageSize)
	if err != nil && n == 0 {
		// Allocated but never checkpointed; only reachable after a crash
		// dropped the page, which the caller treats as a missing page.
		return nil, fmt.Errorf("%w: page %d: %v", util.ErrDiskReadFailed, pageID, err)
	}
	return p.decode(pageID, raw)
}

// WriteSwap parks a dirty page image in the swap file.
func (p *Pager) WriteSwap(page *Page) error {
	data, err := p.encode(page)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.swapIndex[page.ID]
	if !ok {
		if n := len(p.swapSlots); n > 0 {
			off = p.swapSlots[n-1]
			p.swapSlots = p.swapSlots[:n-1]
		} else {
			off = p.swapEnd
			p.swapEnd += p.diskPageSize
		}
		p.swapIndex[page.ID] = off
	}
	if _, err := p.swap.WriteAt(data, off); err != nil {
		return fmt.Errorf("%w: swap: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// SwappedPages lists pages whose latest image lives in the swap file.
func (p *Pager) SwappedPages() []PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]PageID, 0, len(p.swapIndex))
	for id := range p.swapIndex {
		ids = append(ids, id)
	}
	return ids
}

// ResetSwap forgets every swapped page; called once a checkpoint has made
// them durable in the data file.
func (p *Pager) ResetSwap() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.swapIndex = make(map[PageID]int64)
	p.swapSlots = nil
	p.swapEnd = 0
	if err := p.swap.Truncate(0); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// WritePage writes a page image into the data file. Only checkpoints and
// journal replay call this.
func (p *Pager) WritePage(page *Page) error {
	data, err := p.encode(page)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, err := p.file.WriteAt(data, int64(page.ID)*p.diskPageSize); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// Sync flushes data file writes to disk
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// Close closes the pager and removes the swap file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	swapName := p.swap.Name()
	p.swap.Close()
	os.Remove(swapName)

	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// GetNextPageID returns the next never-used page ID
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}
