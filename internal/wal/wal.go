// Package wal implements Write-Ahead Logging for durability.
//
// Every committed change is appended to the log before it is applied to a
// tree, so a crash can be repaired by replaying the log from the last
// checkpoint.
//
// Key Components:
//   - WAL: The main coordinator managing segments and log appends.
//   - Segment: A single log file named by its first LSN (rotated when full).
//   - Record: A single log entry (header + payload).
//   - GroupCommitter: Optimizes throughput by batching synchronous disk flushes.
package wal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/util"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// SyncMode controls what Flush waits for.
type SyncMode string

const (
	SyncGroup  SyncMode = "group"  // batched fsync through the GroupCommitter
	SyncAlways SyncMode = "always" // fsync on every Flush
	SyncNone   SyncMode = "none"   // Flush never waits
)

// Options configures a WAL.
type Options struct {
	SegmentSize        int64
	SyncMode           SyncMode
	GroupCommitBatch   int
	GroupCommitTimeout time.Duration
	Logger             *slog.Logger
}

// WAL represents the Write-Ahead Log Manager.
// It manages a sequence of log segments and handles atomic appends.
type WAL struct {
	dir            string
	opts           Options
	currentSegment *Segment
	currentLSN     atomic.Uint64 // last assigned LSN
	durableLSN     atomic.Uint64 // last LSN known to be on stable storage
	committer      *GroupCommitter
	log            *slog.Logger

	mu     sync.Mutex // serializes appends and rotation
	syncMu sync.Mutex // serializes fsync against segment close
	closed bool

	failMu sync.Mutex
	failed error
}

// Open opens the log in dir, creating it if needed. The tail is checked: a
// torn final record is cut off, while damage followed by more records is
// reported as DataCorruption. LSNs continue from the last good record.
func Open(dir string, opts Options) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncGroup
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("wal")
	}

	w := &WAL{dir: dir, opts: opts, log: opts.Logger}

	starts, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var last LSN
	for i, start := range starts {
		path := segmentPath(dir, start)
		validEnd, err := scanSegment(path, func(r *Record) error {
			if r.LSN < start || r.LSN <= last {
				return fmt.Errorf("%w: LSN %d out of place in segment %d", util.ErrWALCorrupt, r.LSN, start)
			}
			last = r.LSN
			return nil
		})
		switch {
		case errors.Is(err, errTornTail) && i == len(starts)-1:
			w.log.Warn("discarding torn WAL tail", "segment", start, "offset", validEnd)
			if terr := os.Truncate(path, validEnd); terr != nil {
				return nil, storeerr.Wrap(storeerr.CodeStorageUnavailable, terr, "truncate torn WAL tail")
			}
		case errors.Is(err, errTornTail):
			return nil, storeerr.Newf(storeerr.CodeDataCorruption, "WAL segment %d is damaged before the log tail", start)
		case errors.Is(err, util.ErrWALCorrupt):
			return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, "WAL")
		case err != nil:
			return nil, storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "WAL")
		}
	}

	if len(starts) == 0 {
		w.currentSegment, err = openSegment(dir, 1, opts.SegmentSize)
	} else {
		w.currentSegment, err = openSegment(dir, starts[len(starts)-1], opts.SegmentSize)
		if err == nil && last == 0 {
			last = starts[len(starts)-1] - 1
		}
	}
	if err != nil {
		return nil, err
	}
	w.currentSegment.endLSN = last
	w.currentLSN.Store(uint64(last))
	w.durableLSN.Store(uint64(last))

	if opts.SyncMode == SyncGroup {
		w.committer = NewGroupCommitter(w, opts.GroupCommitBatch, opts.GroupCommitTimeout)
	}

	w.log.Info("WAL opened", "dir", dir, "segments", len(starts), "last_lsn", last, "sync_mode", opts.SyncMode)
	return w, nil
}

// Dir returns the log directory.
func (w *WAL) Dir() string {
	return w.dir
}

// Append appends a record to the WAL and returns its LSN
func (w *WAL) Append(record *Record) (LSN, error) {
	return w.AppendBatch([]*Record{record})
}

// AppendBatch appends records contiguously with a single write and returns the
// LSN of the last one. A partially written batch is cut off at the next Open.
func (w *WAL) AppendBatch(records []*Record) (LSN, error) {
	if len(records) == 0 {
		return w.GetCurrentLSN(), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}
	if w.currentSegment.IsFull() {
		if err := w.rotateSegment(); err != nil {
			return 0, w.fail(err)
		}
	}

	next := LSN(w.currentLSN.Load())
	prevByTxn := make(map[uint64]LSN)
	var buf []byte
	for _, record := range records {
		next++
		record.LSN = next
		if record.PrevLSN == 0 && record.TxnID != 0 {
			record.PrevLSN = prevByTxn[record.TxnID]
		}
		prevByTxn[record.TxnID] = next

		var err error
		if buf, err = frame(buf, record); err != nil {
			return 0, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "WAL append")
		}
	}

	if err := w.currentSegment.write(buf, next); err != nil {
		return 0, w.fail(err)
	}
	w.currentLSN.Store(uint64(next))
	metrics.WALBytes.Add(float64(len(buf)))
	return next, nil
}

// Flush blocks until every record up to lsn is durable, or ctx is done.
func (w *WAL) Flush(ctx context.Context, lsn LSN) error {
	if LSN(w.durableLSN.Load()) >= lsn {
		return nil
	}
	switch w.opts.SyncMode {
	case SyncNone:
		return nil
	case SyncAlways:
		if err := storeerr.CheckContext(ctx); err != nil {
			return err
		}
		return w.Sync()
	default:
		return w.committer.Flush(ctx, lsn)
	}
}

// Sync forces everything appended so far to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return err
	}
	segment := w.currentSegment
	upto := w.currentLSN.Load()
	w.mu.Unlock()

	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	if w.durableLSN.Load() >= upto {
		return nil
	}
	if err := segment.Sync(); err != nil {
		return w.fail(err)
	}
	w.durableLSN.Store(upto)
	metrics.WALSyncs.Inc()
	return nil
}

// rotateSegment closes the current segment and starts a new one at the next
// LSN. Caller holds w.mu.
func (w *WAL) rotateSegment() error {
	w.syncMu.Lock()
	err := w.currentSegment.Close()
	w.syncMu.Unlock()
	if err != nil {
		return err
	}

	next := LSN(w.currentLSN.Load() + 1)
	segment, err := openSegment(w.dir, next, w.opts.SegmentSize)
	if err != nil {
		return err
	}
	w.currentSegment = segment
	w.log.Debug("rotated WAL segment", "start_lsn", next)
	return nil
}

// usable returns the sticky failure, if any. Caller holds w.mu.
func (w *WAL) usable() error {
	if err := w.Err(); err != nil {
		return err
	}
	if w.closed {
		return storeerr.Wrap(storeerr.CodeStorageUnavailable, util.ErrWALClosed, "WAL")
	}
	return nil
}

// fail records a write or sync failure. Once failed the log refuses all
// further work.
func (w *WAL) fail(err error) error {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	if w.failed == nil {
		w.failed = storeerr.Wrap(storeerr.CodeStorageUnavailable, err, "WAL write failed")
		w.log.Error("WAL failed; refusing further writes", "error", err)
	}
	return w.failed
}

// Err returns the sticky failure of the log, if any.
func (w *WAL) Err() error {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	return w.failed
}

// GetCurrentLSN returns the last assigned LSN
func (w *WAL) GetCurrentLSN() LSN {
	return LSN(w.currentLSN.Load())
}

// DurableLSN returns the last LSN known to be on stable storage.
func (w *WAL) DurableLSN() LSN {
	return LSN(w.durableLSN.Load())
}

// Truncate removes whole segments whose records all precede upTo. The active
// segment is never removed.
func (w *WAL) Truncate(upTo LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	starts, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	removed := 0
	for i := 0; i+1 < len(starts); i++ {
		// Every record of segment i is below the start of segment i+1.
		if starts[i+1] > upTo || starts[i] == w.currentSegment.StartLSN {
			break
		}
		if err := os.Remove(segmentPath(w.dir, starts[i])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove WAL segment: %w", err)
		}
		removed++
	}
	if removed > 0 {
		w.log.Debug("truncated WAL", "up_to", upTo, "segments_removed", removed)
	}
	return nil
}

// Scan delivers every record in the log in LSN order. Appends are blocked
// while it runs.
func (w *WAL) Scan(fn func(*Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return scanDir(w.dir, fn)
}

// ScanDir reads a log directory without opening it for writing.
func ScanDir(dir string, fn func(*Record) error) error {
	return scanDir(dir, fn)
}

func scanDir(dir string, fn func(*Record) error) error {
	starts, err := listSegments(dir)
	if err != nil {
		return err
	}
	for i, start := range starts {
		_, err := scanSegment(segmentPath(dir, start), fn)
		if errors.Is(err, errTornTail) && i == len(starts)-1 {
			return nil
		}
		if errors.Is(err, errTornTail) || errors.Is(err, util.ErrWALCorrupt) {
			return storeerr.Wrap(storeerr.CodeDataCorruption, err, "WAL")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the group committer, syncs and closes the active segment.
func (w *WAL) Close() error {
	if w.committer != nil {
		w.committer.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	if err := w.currentSegment.Close(); err != nil {
		return err
	}
	w.durableLSN.Store(w.currentLSN.Load())
	return nil
}
