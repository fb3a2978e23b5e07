// Package mvcc implements Multi-Version Concurrency Control for bunstore.
//
// It provides:
// - Timestamps: hybrid (seconds, counter) commit and read timestamps.
// - Version keys: tree keys that order the versions of a record newest first.
// - Snapshots: read timestamps pinned while a transaction is open.
// - Visibility Rules: which version of a record a snapshot sees.
// - Garbage Collection: reclaiming versions no snapshot can see.
package mvcc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Timestamp represents a unique, monotonically increasing point in time. The
// high 32 bits are Unix seconds and the low 32 bits a counter within the
// second. Zero means "unset".
type Timestamp uint64

// MakeTimestamp builds a timestamp from its parts.
func MakeTimestamp(secs, counter uint32) Timestamp {
	return Timestamp(uint64(secs)<<32 | uint64(counter))
}

// Seconds returns the wall-clock part.
func (t Timestamp) Seconds() uint32 {
	return uint32(t >> 32)
}

// Counter returns the increment within the second.
func (t Timestamp) Counter() uint32 {
	return uint32(t)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", t.Seconds(), t.Counter())
}

// TimestampAt returns the first timestamp of the second containing at.
func TimestampAt(at time.Time) Timestamp {
	secs := at.Unix()
	if secs < 0 {
		secs = 0
	}
	return MakeTimestamp(uint32(secs), 0)
}

// Clock issues strictly increasing timestamps that track wall time.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	now  func() time.Time
}

// NewClock creates a clock driven by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a timestamp greater than every one issued or observed before.
func (c *Clock) Next() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := TimestampAt(c.now())
	if wall > c.last {
		c.last = wall + 1
	} else {
		c.last++
	}
	return c.last
}

// Observe moves the clock past ts. Recovery calls it with the highest commit
// timestamp in the log.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// Current returns the last issued timestamp.
func (c *Clock) Current() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// TimestampSize is the encoded size of a timestamp.
const TimestampSize = 8

// AppendTimestamp appends ts big-endian.
func AppendTimestamp(dst []byte, ts Timestamp) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(ts))
}

// ReadTimestamp decodes a big-endian timestamp from the front of b.
func ReadTimestamp(b []byte) Timestamp {
	if len(b) < TimestampSize {
		return 0
	}
	return Timestamp(binary.BigEndian.Uint64(b))
}

// VersionKey appends the inverted start timestamp to prefix, so that under
// bytewise order the versions of one prefix sort newest first.
func VersionKey(prefix []byte, start Timestamp) []byte {
	key := make([]byte, 0, len(prefix)+TimestampSize)
	key = append(key, prefix...)
	return AppendTimestamp(key, ^start)
}

// SplitVersionKey is the inverse of VersionKey.
func SplitVersionKey(key []byte) (prefix []byte, start Timestamp, ok bool) {
	if len(key) < TimestampSize {
		return nil, 0, false
	}
	n := len(key) - TimestampSize
	return key[:n], ^ReadTimestamp(key[n:]), true
}

// IsVisible reports whether a version live over [start, stop) is visible at
// snap. A zero stop means the version has not been superseded.
func IsVisible(start, stop, snap Timestamp) bool {
	return start <= snap && (stop == 0 || snap < stop)
}

// IsReclaimable reports whether no snapshot at or after oldest can see a
// version stopped at stop.
func IsReclaimable(stop, oldest Timestamp) bool {
	return stop != 0 && stop <= oldest
}
