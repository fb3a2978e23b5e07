package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
)

// DefaultSegmentSize is the default maximum size for a WAL segment (64MB)
const DefaultSegmentSize = 64 * 1024 * 1024

// Segment is a single WAL file. Its name carries the LSN of its first record,
// so truncation never needs to open a file.
type Segment struct {
	StartLSN LSN
	path     string
	file     *os.File
	size     int64
	maxSize  int64
	endLSN   LSN
	mu       sync.RWMutex
}

func segmentPath(dir string, start LSN) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%016x.log", uint64(start)))
}

// listSegments returns the start LSNs of the segments in dir, ascending.
func listSegments(dir string) ([]LSN, error) {
	files, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}
	var starts []LSN
	for _, file := range files {
		var start uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &start); err != nil {
			continue
		}
		starts = append(starts, LSN(start))
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// openSegment opens (creating if needed) the segment starting at start for
// appending.
func openSegment(dir string, start LSN, maxSize int64) (*Segment, error) {
	path := segmentPath(dir, start)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL segment: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultSegmentSize
	}
	return &Segment{
		StartLSN: start,
		path:     path,
		file:     file,
		size:     info.Size(),
		maxSize:  maxSize,
		endLSN:   start - 1,
	}, nil
}

// write appends already framed bytes whose last record is last.
func (s *Segment) write(buf []byte, last LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	s.size += int64(len(buf))
	s.endLSN = last
	return nil
}

// Sync flushes the segment to disk
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// A closed segment was synced by Close.
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// IsFull returns true if the segment has reached its maximum size
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size >= s.maxSize
}

// Size returns the current size of the segment
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close syncs and closes the segment file
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// frame prefixes an encoded record with its length.
func frame(dst []byte, r *Record) ([]byte, error) {
	n := r.Size()
	start := len(dst)
	dst = append(dst, make([]byte, 4+n)...)
	binary.LittleEndian.PutUint32(dst[start:], uint32(n))
	if err := r.encodeTo(dst[start+4:]); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// errTornTail marks an incomplete or unchecksummed record at the end of a file.
var errTornTail = errors.New("torn record at end of segment")

// scanSegment delivers the records of the file at path in order. It returns the
// offset just past the last good record. A damaged final record yields
// errTornTail; damage followed by more data is util.ErrWALCorrupt.
func scanSegment(path string, fn func(*Record) error) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}
	fileSize := info.Size()

	r := bufio.NewReaderSize(file, 256*1024)
	var (
		offset  int64
		lenBuf  [4]byte
		lastLSN LSN
	)
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return offset, nil
			}
			if err == io.ErrUnexpectedEOF {
				return offset, errTornTail
			}
			return offset, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
		}

		recordLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		end := offset + 4 + recordLen
		if recordLen < RecordHeaderSize || recordLen > MaxRecordSize {
			if fileSize-offset < 4+RecordHeaderSize {
				return offset, errTornTail
			}
			return offset, fmt.Errorf("%w: invalid record length %d at offset %d", util.ErrWALCorrupt, recordLen, offset)
		}
		if end > fileSize {
			return offset, errTornTail
		}

		data := make([]byte, recordLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return offset, errTornTail
		}
		record, err := Decode(data)
		if err != nil {
			if end == fileSize {
				return offset, errTornTail
			}
			return offset, fmt.Errorf("%w: %v at offset %d", util.ErrWALCorrupt, err, offset)
		}
		if record.LSN <= lastLSN {
			return offset, fmt.Errorf("%w: LSN not monotonic at offset %d (prev=%d, current=%d)",
				util.ErrWALCorrupt, offset, lastLSN, record.LSN)
		}
		lastLSN = record.LSN

		if fn != nil {
			if err := fn(record); err != nil {
				return offset, err
			}
		}
		offset = end
	}
}
