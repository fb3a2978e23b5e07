package wal

import (
	"context"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// flushRequest asks for the log to be durable up to LSN.
type flushRequest struct {
	LSN      LSN
	Response chan error
}

// GroupCommitter reduces disk I/O overhead by batching multiple flush requests
// into a single fsync.
//
// How it works:
// 1. Committers send a request to the channel and wait on their response.
// 2. The background goroutine collects requests into a batch.
// 3. The batch is flushed when:
//   - The batch size limit is reached.
//   - The timeout triggers (latency bound).
//   - The incoming channel is empty (immediate flush for low load).
//
// 4. A single WAL.Sync() is performed.
// 5. All waiting committers in the batch are notified.
//
// A waiter whose context ends stops waiting; the fsync still happens.
type GroupCommitter struct {
	wal          *WAL
	requests     chan *flushRequest
	batchSize    int
	batchTimeout time.Duration
	mu           sync.Mutex
	stopped      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewGroupCommitter creates a new group committer
func NewGroupCommitter(wal *WAL, batchSize int, batchTimeout time.Duration) *GroupCommitter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	gc := &GroupCommitter{
		wal:          wal,
		requests:     make(chan *flushRequest, 1000),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		stopChan:     make(chan struct{}),
	}

	gc.wg.Add(1)
	go gc.run()

	return gc
}

// Flush submits a flush request and waits for it, or for ctx to end.
func (gc *GroupCommitter) Flush(ctx context.Context, lsn LSN) error {
	if err := storeerr.CheckContext(ctx); err != nil {
		return err
	}
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return ErrCommitterStopped
	}
	gc.mu.Unlock()

	req := &flushRequest{
		LSN:      lsn,
		Response: make(chan error, 1),
	}

	select {
	case gc.requests <- req:
	case <-gc.stopChan:
		return ErrCommitterStopped
	case <-ctx.Done():
		return storeerr.FromContext(ctx.Err())
	}

	select {
	case err := <-req.Response:
		return err
	case <-ctx.Done():
		return storeerr.FromContext(ctx.Err())
	}
}

// run processes flush requests in batches
func (gc *GroupCommitter) run() {
	defer gc.wg.Done()

	var batch []*flushRequest
	timer := time.NewTimer(gc.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case req := <-gc.requests:
			batch = append(batch, req)

			// Flush at once when the batch is full or nobody else is queued;
			// bursts still share one fsync.
			if len(batch) >= gc.batchSize || len(gc.requests) == 0 {
				gc.flushBatch(batch)
				batch = nil
				timer.Reset(gc.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				gc.flushBatch(batch)
				batch = nil
			}
			timer.Reset(gc.batchTimeout)

		case <-gc.stopChan:
			for {
				select {
				case req := <-gc.requests:
					batch = append(batch, req)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				gc.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch performs one fsync for the whole batch.
func (gc *GroupCommitter) flushBatch(batch []*flushRequest) {
	err := gc.wal.Sync()
	for _, req := range batch {
		req.Response <- err
	}
}

// Stop stops the group committer after flushing queued requests.
func (gc *GroupCommitter) Stop() {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return
	}
	gc.stopped = true
	gc.mu.Unlock()

	close(gc.stopChan)
	gc.wg.Wait()
}

// ErrCommitterStopped is returned when the group committer is stopped
var ErrCommitterStopped = storeerr.New(storeerr.CodeStorageUnavailable, "group committer stopped")
