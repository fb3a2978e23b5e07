package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Snapshot pins a read timestamp until it is released.
type Snapshot struct {
	ReadTs   Timestamp
	id       uint64
	mgr      *SnapshotManager
	released atomic.Bool
}

// Release unpins the snapshot. Safe to call more than once.
func (s *Snapshot) Release() {
	if s == nil || s.released.Swap(true) {
		return
	}
	s.mgr.release(s.id)
}

// SnapshotManager issues read timestamps and tracks which ones are in use so
// the garbage collector knows how far it may reclaim.
type SnapshotManager struct {
	clock         *Clock
	historyWindow time.Duration
	now           func() time.Time

	mu             sync.Mutex
	active         map[uint64]Timestamp
	nextID         uint64
	lastCommitted  Timestamp
	externalOldest Timestamp // set by AdvanceOldestTimestamp; replaces the window
	reclaimed      Timestamp // versions stopped at or below this may be gone
}

// NewSnapshotManager creates a new snapshot manager
func NewSnapshotManager(clock *Clock, historyWindow time.Duration) *SnapshotManager {
	return &SnapshotManager{
		clock:         clock,
		historyWindow: historyWindow,
		now:           time.Now,
		active:        make(map[uint64]Timestamp),
	}
}

// Clock returns the timestamp source.
func (sm *SnapshotManager) Clock() *Clock {
	return sm.clock
}

// BeginSnapshot pins a snapshot at the last published commit, so every
// committed write is visible to it.
func (sm *SnapshotManager) BeginSnapshot() *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pin(sm.lastCommitted)
}

// BeginSnapshotAt pins a snapshot at ts. Reading below the reclaimed horizon
// fails with SnapshotTooOld; reading in the future is InvalidOptions.
func (sm *SnapshotManager) BeginSnapshotAt(ts Timestamp) (*Snapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if ts < sm.reclaimed {
		return nil, storeerr.Newf(storeerr.CodeSnapshotTooOld,
			"read timestamp %s is older than the oldest available %s", ts, sm.reclaimed)
	}
	if ts > sm.lastCommitted {
		return nil, storeerr.Newf(storeerr.CodeInvalidOptions,
			"read timestamp %s is ahead of the last commit %s", ts, sm.lastCommitted)
	}
	return sm.pin(ts), nil
}

// pin registers a snapshot. Caller holds sm.mu.
func (sm *SnapshotManager) pin(ts Timestamp) *Snapshot {
	sm.nextID++
	sm.active[sm.nextID] = ts
	return &Snapshot{ReadTs: ts, id: sm.nextID, mgr: sm}
}

func (sm *SnapshotManager) release(id uint64) {
	sm.mu.Lock()
	delete(sm.active, id)
	sm.mu.Unlock()
}

// NextCommitTimestamp issues a timestamp for a commit. The caller publishes it
// with Publish once the commit is applied.
func (sm *SnapshotManager) NextCommitTimestamp() Timestamp {
	return sm.clock.Next()
}

// Publish makes commits at or below ts visible to new snapshots.
func (sm *SnapshotManager) Publish(ts Timestamp) {
	sm.clock.Observe(ts)
	sm.mu.Lock()
	if ts > sm.lastCommitted {
		sm.lastCommitted = ts
	}
	sm.mu.Unlock()
}

// LastCommitted returns the newest published commit timestamp.
func (sm *SnapshotManager) LastCommitted() Timestamp {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastCommitted
}

// AdvanceOldestTimestamp lets an external tracker set the retention horizon.
// It replaces the history window and only moves forward.
func (sm *SnapshotManager) AdvanceOldestTimestamp(ts Timestamp) {
	sm.mu.Lock()
	if ts > sm.externalOldest {
		sm.externalOldest = ts
	}
	sm.mu.Unlock()
}

// OldestPinned returns the oldest timestamp any current or future reader may
// use: the minimum of the active snapshots and the retention horizon, never
// above the last commit.
func (sm *SnapshotManager) OldestPinned() Timestamp {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.oldestLocked()
}

func (sm *SnapshotManager) oldestLocked() Timestamp {
	oldest := sm.lastCommitted

	horizon := sm.externalOldest
	if horizon == 0 {
		horizon = TimestampAt(sm.now().Add(-sm.historyWindow))
	}
	if horizon < oldest {
		oldest = horizon
	}
	for _, ts := range sm.active {
		if ts < oldest {
			oldest = ts
		}
	}
	if oldest < sm.reclaimed {
		oldest = sm.reclaimed
	}
	return oldest
}

// ReclaimHorizon computes the oldest pinned timestamp and records it as
// reclaimed before the caller starts removing versions, so no new snapshot
// can be opened below it.
func (sm *SnapshotManager) ReclaimHorizon() Timestamp {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	oldest := sm.oldestLocked()
	sm.reclaimed = oldest
	metrics.OldestTimestamp.Set(float64(oldest))
	return oldest
}

// Reclaimed returns the horizon of the last reclaim.
func (sm *SnapshotManager) Reclaimed() Timestamp {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reclaimed
}

// ActiveCount returns the number of pinned snapshots.
func (sm *SnapshotManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Horizons returns the reclaimed horizon and the externally advanced oldest
// timestamp, which a checkpoint persists.
func (sm *SnapshotManager) Horizons() (reclaimed, externalOldest Timestamp) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reclaimed, sm.externalOldest
}

// RestoreHorizons reinstates persisted horizons during recovery.
func (sm *SnapshotManager) RestoreHorizons(reclaimed, externalOldest Timestamp) {
	sm.mu.Lock()
	if reclaimed > sm.reclaimed {
		sm.reclaimed = reclaimed
	}
	if externalOldest > sm.externalOldest {
		sm.externalOldest = externalOldest
	}
	sm.mu.Unlock()
}
