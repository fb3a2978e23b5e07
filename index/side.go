package index

import (
	"encoding/binary"

	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// SideOp is the kind of a side write.
type SideOp byte

const (
	SideInsert SideOp = 1
	SideRemove SideOp = 2
)

// SideWrite is an index change recorded while the index is being built.
// It is replayed into the index tree by the build's drain phase.
type SideWrite struct {
	Op       SideOp
	Key      []byte
	RecordID []byte
	Ts       mvcc.Timestamp // start for inserts, stop for removals
}

// SideKey orders side writes by commit timestamp, then by position in the
// committing transaction.
func SideKey(ts mvcc.Timestamp, seq uint32) []byte {
	k := mvcc.AppendTimestamp(make([]byte, 0, mvcc.TimestampSize+4), ts)
	return binary.BigEndian.AppendUint32(k, seq)
}

// Encode serializes the side write.
func (w SideWrite) Encode() []byte {
	b := make([]byte, 0, 1+mvcc.TimestampSize+4+len(w.Key)+len(w.RecordID))
	b = append(b, byte(w.Op))
	b = mvcc.AppendTimestamp(b, w.Ts)
	b = binary.BigEndian.AppendUint32(b, uint32(len(w.Key)))
	b = append(b, w.Key...)
	return append(b, w.RecordID...)
}

// DecodeSideWrite is the inverse of Encode.
func DecodeSideWrite(b []byte) (SideWrite, error) {
	const header = 1 + mvcc.TimestampSize + 4
	if len(b) < header {
		return SideWrite{}, storeerr.Newf(storeerr.CodeDataCorruption, "side write of %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint32(b[1+mvcc.TimestampSize:]))
	if len(b) < header+n {
		return SideWrite{}, storeerr.New(storeerr.CodeDataCorruption, "side write key overruns value")
	}
	op := SideOp(b[0])
	if op != SideInsert && op != SideRemove {
		return SideWrite{}, storeerr.Newf(storeerr.CodeDataCorruption, "unknown side write op %d", op)
	}
	return SideWrite{
		Op:       op,
		Ts:       mvcc.ReadTimestamp(b[1:]),
		Key:      b[header : header+n],
		RecordID: b[header+n:],
	}, nil
}
