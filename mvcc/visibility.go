package mvcc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
)

// Reclaimer removes everything invisible at or after oldest and reports how
// many entries it removed.
type Reclaimer interface {
	Reclaim(ctx context.Context, oldest Timestamp) (int, error)
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(ctx context.Context, oldest Timestamp) (int, error)

// Reclaim calls f.
func (f ReclaimerFunc) Reclaim(ctx context.Context, oldest Timestamp) (int, error) {
	return f(ctx, oldest)
}

// GarbageCollector is a background service that periodically reclaims
// versions, index entries and drop-pending stores that no snapshot can see.
type GarbageCollector struct {
	snapshotMgr *SnapshotManager
	reclaimer   Reclaimer
	gcInterval  time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	runs     int
	removed  int
	lastErr  error
}

// NewGarbageCollector creates a new garbage collector
func NewGarbageCollector(sm *SnapshotManager, r Reclaimer, gcInterval time.Duration) *GarbageCollector {
	return &GarbageCollector{
		snapshotMgr: sm,
		reclaimer:   r,
		gcInterval:  gcInterval,
		log:         logger.For("gc"),
	}
}

// Start starts the garbage collection background process
func (gc *GarbageCollector) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.running || gc.gcInterval <= 0 {
		return
	}
	gc.running = true
	gc.stopChan = make(chan struct{})
	gc.done = make(chan struct{})
	go gc.run(gc.stopChan, gc.done)
}

// Stop stops the background process and waits for a running cycle to finish.
func (gc *GarbageCollector) Stop() {
	gc.mu.Lock()
	if !gc.running {
		gc.mu.Unlock()
		return
	}
	gc.running = false
	stop, done := gc.stopChan, gc.done
	gc.mu.Unlock()

	close(stop)
	<-done
}

func (gc *GarbageCollector) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(gc.gcInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := gc.RunOnce(ctx); err != nil && ctx.Err() == nil {
				gc.log.Warn("garbage collection cycle failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// RunOnce performs one reclaim cycle and returns the number of entries removed.
func (gc *GarbageCollector) RunOnce(ctx context.Context) (int, error) {
	oldest := gc.snapshotMgr.ReclaimHorizon()
	n, err := gc.reclaimer.Reclaim(ctx, oldest)

	gc.mu.Lock()
	gc.runs++
	gc.removed += n
	gc.lastErr = err
	gc.mu.Unlock()

	metrics.VersionsReclaimed.Add(float64(n))
	if n > 0 {
		gc.log.Debug("reclaimed versions", "oldest", oldest, "removed", n)
	}
	return n, err
}

// GetStats returns garbage collection statistics
func (gc *GarbageCollector) GetStats() GCStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	return GCStats{
		Running:  gc.running,
		Interval: gc.gcInterval,
		Runs:     gc.runs,
		Removed:  gc.removed,
		LastErr:  gc.lastErr,
	}
}

// GCStats contains garbage collection statistics
type GCStats struct {
	Running  bool
	Interval time.Duration
	Runs     int
	Removed  int
	LastErr  error
}
