// Package transaction binds units of work to snapshots, buffers their
// writes, and commits them through the WAL with conflict detection.
package transaction

import (
	"encoding/json"
	"sync"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/keystring"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/record"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// OpKind is the kind of a buffered write.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Write is one buffered change to a record.
type Write struct {
	Kind           OpKind           `json:"kind"`
	Collection     string           `json:"collection"`
	CollectionUUID string           `json:"collection_uuid"`
	StoreID        uint64           `json:"store_id"`
	RecordID       record.RecordID  `json:"record_id"`
	Doc            storage.Document `json:"-"`
	Payload        []byte           `json:"payload,omitempty"`
	Base           mvcc.Timestamp   `json:"base,omitempty"` // start of the version read
	BaseDoc        storage.Document `json:"-"`
}

func writeKey(storeID uint64, rid record.RecordID) string {
	return string(append(keystring.AppendUint64(nil, storeID), rid...))
}

// Transaction holds a snapshot, the catalog bound at its read timestamp and
// its buffered write set.
type Transaction struct {
	ID      uint64
	ReadTs  mvcc.Timestamp
	Catalog *catalog.Catalog

	mu         sync.Mutex
	status     Status
	snapshot   *mvcc.Snapshot
	writes     []*Write
	byRecord   map[string]int
	writeBytes int64
	opCount    int
	temp       bool

	assigned   map[string]record.RecordID

	PrepareTs  mvcc.Timestamp
	CommitTs   mvcc.Timestamp
	prepareLSN wal.LSN
}

// Status returns the current state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// CountOp records an executed operation, read or write.
func (t *Transaction) CountOp() {
	t.mu.Lock()
	t.opCount++
	t.mu.Unlock()
}

// OpCount returns the number of executed operations.
func (t *Transaction) OpCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opCount
}

// Writes returns a copy of the write set in staging order.
func (t *Transaction) Writes() []*Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Write, 0, len(t.writes))
	for _, w := range t.writes {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// WriteBytes returns the payload bytes buffered.
func (t *Transaction) WriteBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeBytes
}

func (t *Transaction) setAssigned(assigned map[string]record.RecordID) {
	t.mu.Lock()
	t.assigned = assigned
	t.mu.Unlock()
}

// CommittedRecordID maps the id an insert was staged under to the id it was
// stored under. Only inserts into capped heap stores are renumbered at commit.
func (t *Transaction) CommittedRecordID(storeID uint64, rid record.RecordID) record.RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if final, ok := t.assigned[writeKey(storeID, rid)]; ok {
		return final
	}
	return rid
}

// Lookup returns the transaction's own pending version of a record.
// deleted reports a pending delete.
func (t *Transaction) Lookup(storeID uint64, rid record.RecordID) (doc storage.Document, found, deleted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byRecord[writeKey(storeID, rid)]
	if !ok {
		return nil, false, false
	}
	w := t.writes[i]
	if w.Kind == OpDelete {
		return nil, true, true
	}
	return w.Doc, true, false
}

// PendingInserts returns the records this transaction inserts into storeID.
func (t *Transaction) PendingInserts(storeID uint64) []*Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Write
	for _, w := range t.writes {
		if w != nil && w.StoreID == storeID && w.Kind == OpInsert {
			out = append(out, w)
		}
	}
	return out
}

// stage merges w into the write set. Later writes to the same record fold
// into the earlier one.
func (t *Transaction) stage(w *Write, budget int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return storeerr.Newf(storeerr.CodeNoSuchTransaction, "transaction %d is %s", t.ID, t.status)
	}
	if budget > 0 && t.writeBytes+int64(len(w.Payload)) > budget {
		return storeerr.Newf(storeerr.CodeTemporarilyUnavailable,
			"transaction %d write set exceeds %d bytes", t.ID, budget)
	}

	key := writeKey(w.StoreID, w.RecordID)
	if i, ok := t.byRecord[key]; ok {
		prev := t.writes[i]
		t.writeBytes -= int64(len(prev.Payload))
		switch {
		case prev.Kind == OpInsert && w.Kind == OpDelete:
			t.writes[i] = nil
			delete(t.byRecord, key)
		case prev.Kind == OpInsert:
			prev.Doc, prev.Payload = w.Doc, w.Payload
			t.writeBytes += int64(len(w.Payload))
		case prev.Kind == OpDelete && w.Kind == OpInsert:
			// Re-insert of a deleted clustered id replaces the old version.
			prev.Kind, prev.Doc, prev.Payload = OpUpdate, w.Doc, w.Payload
			t.writeBytes += int64(len(w.Payload))
		default:
			prev.Kind, prev.Doc, prev.Payload = w.Kind, w.Doc, w.Payload
			t.writeBytes += int64(len(w.Payload))
		}
		return nil
	}

	if t.byRecord == nil {
		t.byRecord = make(map[string]int)
	}
	t.byRecord[key] = len(t.writes)
	t.writes = append(t.writes, w)
	t.writeBytes += int64(len(w.Payload))
	return nil
}

// preparedState is the body of a Prepare record.
type preparedState struct {
	ReadTs  mvcc.Timestamp `json:"read_ts"`
	OpCount int            `json:"op_count"`
	Writes  []*Write       `json:"writes"`
}

func (t *Transaction) encodePrepared() ([]byte, error) {
	return json.Marshal(preparedState{ReadTs: t.ReadTs, OpCount: t.opCount, Writes: t.Writes()})
}
