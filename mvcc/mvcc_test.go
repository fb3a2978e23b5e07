package mvcc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// newNoWindowManager returns a manager whose history window never holds
// anything back, so only snapshots and the last commit pin versions.
func newNoWindowManager() *SnapshotManager {
	sm := NewSnapshotManager(NewClock(), 0)
	sm.now = func() time.Time { return time.Now().Add(time.Hour) }
	return sm
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	prev := c.Next()
	for i := 0; i < 1000; i++ {
		ts := c.Next()
		if ts <= prev {
			t.Fatalf("Timestamps should be monotonically increasing: prev=%s, ts=%s", prev, ts)
		}
		prev = ts
	}

	c.Observe(prev + 1000)
	if ts := c.Next(); ts <= prev+1000 {
		t.Errorf("Clock did not move past observed timestamp: %s", ts)
	}
}

func TestTimestampParts(t *testing.T) {
	ts := MakeTimestamp(1700000000, 42)
	if ts.Seconds() != 1700000000 || ts.Counter() != 42 {
		t.Errorf("Unexpected parts: %s", ts)
	}
}

func TestVersionKeyOrdersNewestFirst(t *testing.T) {
	prefix := []byte("rec")
	older := VersionKey(prefix, 10)
	newer := VersionKey(prefix, 20)
	if bytes.Compare(newer, older) >= 0 {
		t.Error("Newer version should sort before older version")
	}

	p, start, ok := SplitVersionKey(newer)
	if !ok || !bytes.Equal(p, prefix) || start != 20 {
		t.Errorf("SplitVersionKey returned %q %d %v", p, start, ok)
	}
}

func TestIsVisible(t *testing.T) {
	cases := []struct {
		start, stop, snap Timestamp
		want              bool
	}{
		{start: 10, stop: 0, snap: 10, want: true},
		{start: 10, stop: 0, snap: 9, want: false},
		{start: 10, stop: 20, snap: 19, want: true},
		{start: 10, stop: 20, snap: 20, want: false},
	}
	for _, c := range cases {
		if got := IsVisible(c.start, c.stop, c.snap); got != c.want {
			t.Errorf("IsVisible(%d, %d, %d) = %v, want %v", c.start, c.stop, c.snap, got, c.want)
		}
	}
}

func TestSnapshotSeesPublishedCommits(t *testing.T) {
	sm := NewSnapshotManager(NewClock(), time.Hour)

	ts1 := sm.NextCommitTimestamp()
	sm.Publish(ts1)
	snap := sm.BeginSnapshot()
	defer snap.Release()
	if snap.ReadTs != ts1 {
		t.Errorf("Expected read timestamp %s, got %s", ts1, snap.ReadTs)
	}

	ts2 := sm.NextCommitTimestamp()
	if ts2 <= snap.ReadTs {
		t.Errorf("Later commit must be after existing snapshot")
	}
	if IsVisible(ts2, 0, snap.ReadTs) {
		t.Error("Commit after the snapshot must not be visible")
	}
}

func TestOldestPinned(t *testing.T) {
	sm := newNoWindowManager()

	ts1 := sm.NextCommitTimestamp()
	sm.Publish(ts1)
	snap := sm.BeginSnapshot()

	ts2 := sm.NextCommitTimestamp()
	sm.Publish(ts2)

	if oldest := sm.OldestPinned(); oldest != ts1 {
		t.Errorf("Expected oldest %s pinned by snapshot, got %s", ts1, oldest)
	}
	snap.Release()
	snap.Release()
	if sm.ActiveCount() != 0 {
		t.Errorf("Expected no active snapshots, got %d", sm.ActiveCount())
	}
	if oldest := sm.OldestPinned(); oldest != ts2 {
		t.Errorf("Expected oldest %s after release, got %s", ts2, oldest)
	}
}

func TestHistoryWindowAndAdvanceOldest(t *testing.T) {
	sm := NewSnapshotManager(NewClock(), time.Hour)
	ts1 := sm.NextCommitTimestamp()
	sm.Publish(ts1)
	ts2 := sm.NextCommitTimestamp()
	sm.Publish(ts2)

	// The window keeps everything from the last hour.
	if oldest := sm.OldestPinned(); oldest >= ts1 {
		t.Errorf("History window should keep %s readable, oldest is %s", ts1, oldest)
	}

	// An external horizon overrides the window.
	sm.AdvanceOldestTimestamp(ts2)
	if oldest := sm.OldestPinned(); oldest != ts2 {
		t.Errorf("Expected external oldest %s, got %s", ts2, oldest)
	}
	sm.AdvanceOldestTimestamp(ts1)
	if oldest := sm.OldestPinned(); oldest != ts2 {
		t.Errorf("Oldest timestamp must not move backwards, got %s", oldest)
	}
}

func TestSnapshotTooOld(t *testing.T) {
	sm := newNoWindowManager()
	ts1 := sm.NextCommitTimestamp()
	sm.Publish(ts1)
	ts2 := sm.NextCommitTimestamp()
	sm.Publish(ts2)

	snap, err := sm.BeginSnapshotAt(ts1)
	if err != nil {
		t.Fatalf("Failed to read at %s: %v", ts1, err)
	}
	snap.Release()

	if horizon := sm.ReclaimHorizon(); horizon != ts2 {
		t.Fatalf("Expected horizon %s, got %s", ts2, horizon)
	}
	if _, err := sm.BeginSnapshotAt(ts1); !storeerr.Is(err, storeerr.CodeSnapshotTooOld) {
		t.Errorf("Expected SnapshotTooOld, got %v", err)
	}
	if _, err := sm.BeginSnapshotAt(ts2 + 100); !storeerr.Is(err, storeerr.CodeInvalidOptions) {
		t.Errorf("Expected InvalidOptions for a future read, got %v", err)
	}
}

func TestGarbageCollectorRunOnce(t *testing.T) {
	sm := newNoWindowManager()
	ts := sm.NextCommitTimestamp()
	sm.Publish(ts)

	var seen Timestamp
	gc := NewGarbageCollector(sm, ReclaimerFunc(func(ctx context.Context, oldest Timestamp) (int, error) {
		seen = oldest
		return 3, nil
	}), time.Hour)

	n, err := gc.RunOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("RunOnce returned %d, %v", n, err)
	}
	if seen != ts {
		t.Errorf("Reclaimer saw oldest %s, want %s", seen, ts)
	}
	if stats := gc.GetStats(); stats.Runs != 1 || stats.Removed != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	gc.Start()
	gc.Stop()
}
