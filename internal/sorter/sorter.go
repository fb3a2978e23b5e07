// Package sorter is an external merge sorter for index builds. Entries are
// buffered up to a memory budget, spilled as sorted snappy-compressed runs
// and merged back in key order.
package sorter

import (
	"bufio"
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// DefaultMemoryBudget is used when Options.MemoryBudget is zero.
const DefaultMemoryBudget = 64 << 20

// entryOverhead approximates the per-entry bookkeeping cost.
const entryOverhead = 48

// Item is one sorted entry.
type Item struct {
	Key   []byte
	Value []byte
}

// Spill describes one sorted run on disk.
type Spill struct {
	File    string `json:"file"`
	Entries int    `json:"entries"`
}

// Options configure a Sorter.
type Options struct {
	Dir          string // directory for spill files
	Prefix       string // spill file name prefix
	MemoryBudget int64
	AllowDiskUse bool
	Logger       *slog.Logger
}

// Sorter accumulates items and returns them in key order.
type Sorter struct {
	opts   Options
	log    *slog.Logger
	buf    []Item
	mem    int64
	spills []Spill
	added  int
}

// New creates a sorter. manifest lists spills from an earlier run of the
// same sort that should be merged in.
func New(opts Options, manifest []Spill) *Sorter {
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	log := opts.Logger
	if log == nil {
		log = logger.For("sorter")
	}
	s := &Sorter{opts: opts, log: log}
	s.spills = append(s.spills, manifest...)
	for _, sp := range manifest {
		s.added += sp.Entries
	}
	return s
}

// Add buffers an item, spilling when the memory budget is exceeded.
func (s *Sorter) Add(key, value []byte) error {
	s.buf = append(s.buf, Item{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	s.mem += int64(len(key) + len(value) + entryOverhead)
	s.added++
	if s.mem <= s.opts.MemoryBudget {
		return nil
	}
	if !s.opts.AllowDiskUse {
		return storeerr.Newf(storeerr.CodeQueryExceededMemoryLimitNoDiskUseAllowed,
			"sort exceeded the %d byte memory limit and disk use is not allowed", s.opts.MemoryBudget)
	}
	return s.Spill()
}

// Len returns the number of items added, spilled ones included.
func (s *Sorter) Len() int { return s.added }

// MemUsage returns the bytes currently buffered.
func (s *Sorter) MemUsage() int64 { return s.mem }

// Manifest returns the spills written so far.
func (s *Sorter) Manifest() []Spill {
	return append([]Spill(nil), s.spills...)
}

func (s *Sorter) sortBuffer() {
	sort.Slice(s.buf, func(i, j int) bool {
		return compare(s.buf[i], s.buf[j]) < 0
	})
}

func compare(a, b Item) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return bytes.Compare(a.Value, b.Value)
}

// Spill writes the buffered items to a new sorted run. It is a no-op when
// nothing is buffered. The run is synced before it is added to the manifest.
func (s *Sorter) Spill() error {
	if len(s.buf) == 0 {
		return nil
	}
	if s.opts.Dir == "" {
		return storeerr.New(storeerr.CodeInvalidOptions, "sorter has no spill directory")
	}
	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return err
	}
	s.sortBuffer()

	name := fmt.Sprintf("%s%06d.spill", s.opts.Prefix, len(s.spills))
	path := filepath.Join(s.opts.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	w := snappy.NewBufferedWriter(f)
	var hdr [binary.MaxVarintLen64]byte
	for _, it := range s.buf {
		for _, part := range [][]byte{it.Key, it.Value} {
			n := binary.PutUvarint(hdr[:], uint64(len(part)))
			if _, err := w.Write(hdr[:n]); err != nil {
				f.Close()
				return err
			}
			if _, err := w.Write(part); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.spills = append(s.spills, Spill{File: name, Entries: len(s.buf)})
	s.log.Debug("spilled sorted run", "file", name, "entries", len(s.buf), "bytes", s.mem)
	s.buf = nil
	s.mem = 0
	return nil
}

// Iterator merges the spills and the in-memory buffer.
func (s *Sorter) Iterator(ctx context.Context) (*Iterator, error) {
	s.sortBuffer()
	it := &Iterator{ctx: ctx}
	for _, sp := range s.spills {
		r, err := openRun(filepath.Join(s.opts.Dir, sp.File))
		if err != nil {
			it.Close()
			return nil, err
		}
		it.sources = append(it.sources, r)
	}
	it.sources = append(it.sources, &memRun{items: s.buf})

	for i, src := range it.sources {
		item, ok, err := src.next()
		if err != nil {
			it.Close()
			return nil, err
		}
		if ok {
			it.h = append(it.h, heapItem{item: item, src: i})
		}
	}
	heap.Init(&it.h)
	return it, nil
}

// Cleanup removes every spill file.
func (s *Sorter) Cleanup() error {
	var errs []error
	for _, sp := range s.spills {
		if err := os.Remove(filepath.Join(s.opts.Dir, sp.File)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	s.spills = nil
	s.buf = nil
	s.mem = 0
	return errors.Join(errs...)
}

type run interface {
	next() (Item, bool, error)
	close() error
}

type memRun struct {
	items []Item
	pos   int
}

func (m *memRun) next() (Item, bool, error) {
	if m.pos >= len(m.items) {
		return Item{}, false, nil
	}
	m.pos++
	return m.items[m.pos-1], true, nil
}

func (m *memRun) close() error { return nil }

type fileRun struct {
	f *os.File
	r *bufio.Reader
}

func openRun(path string) (*fileRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "open spill file")
	}
	return &fileRun{f: f, r: bufio.NewReader(snappy.NewReader(f))}, nil
}

func (fr *fileRun) readPart() ([]byte, error) {
	n, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (fr *fileRun) next() (Item, bool, error) {
	key, err := fr.readPart()
	if err == io.EOF {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, storeerr.Wrap(storeerr.CodeDataCorruption, err, "read spill file")
	}
	value, err := fr.readPart()
	if err != nil {
		return Item{}, false, storeerr.Wrap(storeerr.CodeDataCorruption, err, "read spill file")
	}
	return Item{Key: key, Value: value}, true, nil
}

func (fr *fileRun) close() error { return fr.f.Close() }

type heapItem struct {
	item Item
	src  int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return compare(h[i].item, h[j].item) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Iterator yields items in key order.
type Iterator struct {
	ctx     context.Context
	sources []run
	h       mergeHeap
	cur     Item
	err     error
	count   int
}

// Next advances to the next item.
func (it *Iterator) Next() bool {
	if it.err != nil || len(it.h) == 0 {
		return false
	}
	if it.count%1024 == 0 {
		if err := storeerr.CheckContext(it.ctx); err != nil {
			it.err = err
			return false
		}
	}
	top := heap.Pop(&it.h).(heapItem)
	it.cur = top.item
	it.count++

	item, ok, err := it.sources[top.src].next()
	if err != nil {
		it.err = err
		return false
	}
	if ok {
		heap.Push(&it.h, heapItem{item: item, src: top.src})
	}
	return true
}

// Item returns the current item.
func (it *Iterator) Item() Item { return it.cur }

// Err returns the error that stopped iteration.
func (it *Iterator) Err() error { return it.err }

// Close releases the spill files.
func (it *Iterator) Close() error {
	var errs []error
	for _, src := range it.sources {
		if err := src.close(); err != nil {
			errs = append(errs, err)
		}
	}
	it.sources = nil
	return errors.Join(errs...)
}
