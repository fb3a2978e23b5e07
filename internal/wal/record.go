package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType represents the type of WAL record
type RecordType byte

const (
	RecordTypeInvalid    RecordType = iota
	RecordTypePut                   // Tree put (version or index entry)
	RecordTypeStop                  // Stamp a stop timestamp on an existing key
	RecordTypeDelete                // Physical removal of a key
	RecordTypeCommit                // Transaction commit; Timestamp is the commit ts
	RecordTypeAbort                 // Abort of a prepared transaction
	RecordTypePrepare               // Durable-but-undecided write set
	RecordTypeCheckpoint            // Checkpoint marker
	RecordTypeCatalog               // Catalog change (DDL)
)

var recordTypeNames = map[RecordType]string{
	RecordTypePut:        "put",
	RecordTypeStop:       "stop",
	RecordTypeDelete:     "delete",
	RecordTypeCommit:     "commit",
	RecordTypeAbort:      "abort",
	RecordTypePrepare:    "prepare",
	RecordTypeCheckpoint: "checkpoint",
	RecordTypeCatalog:    "catalog",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// IsData reports whether records of this type mutate a tree.
func (t RecordType) IsData() bool {
	return t == RecordTypePut || t == RecordTypeStop || t == RecordTypeDelete
}

// LSN (Log Sequence Number) uniquely identifies a WAL record
type LSN uint64

// Record represents a single WAL record
type Record struct {
	LSN       LSN        // Log Sequence Number
	TxnID     uint64     // Transaction ID; 0 for autonomous control records
	Type      RecordType // Record type
	StoreID   uint64     // Tree the record applies to
	Key       []byte     // Tree key
	Value     []byte     // Tree value, stop timestamp, or encoded payload
	PrevLSN   LSN        // Previous LSN for this transaction
	Timestamp uint64     // Commit or prepare timestamp
}

// RecordHeader layout:
// - CRC32 (4 bytes) - checksum of record
// - LSN (8 bytes)
// - TxnID (8 bytes)
// - Type (1 byte)
// - StoreID (8 bytes)
// - PrevLSN (8 bytes)
// - Timestamp (8 bytes)
// - KeyLen (4 bytes)
// - ValueLen (4 bytes)
// Total: 53 bytes
const RecordHeaderSize = 53

// MaxRecordSize bounds a single encoded record.
const MaxRecordSize = 64 * 1024 * 1024

// Encode serializes a WAL record to bytes
func (r *Record) Encode() ([]byte, error) {
	buf := make([]byte, r.Size())
	if err := r.encodeTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Record) encodeTo(buf []byte) error {
	keyLen := len(r.Key)
	valueLen := len(r.Value)
	if RecordHeaderSize+keyLen+valueLen > MaxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds the %d byte limit", RecordHeaderSize+keyLen+valueLen, MaxRecordSize)
	}

	offset := 4 // CRC32 goes in last
	binary.LittleEndian.PutUint64(buf[offset:], uint64(r.LSN))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], r.TxnID)
	offset += 8
	buf[offset] = byte(r.Type)
	offset++
	binary.LittleEndian.PutUint64(buf[offset:], r.StoreID)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(r.PrevLSN))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], r.Timestamp)
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:], uint32(keyLen))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(valueLen))
	offset += 4
	copy(buf[offset:], r.Key)
	offset += keyLen
	copy(buf[offset:], r.Value)

	crc := crc32.ChecksumIEEE(buf[4 : RecordHeaderSize+keyLen+valueLen])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return nil
}

// Decode deserializes a WAL record from bytes
func Decode(data []byte) (*Record, error) {
	if len(data) < RecordHeaderSize {
		return nil, fmt.Errorf("invalid record: too short (got %d bytes, need at least %d)", len(data), RecordHeaderSize)
	}

	expectedCRC := binary.LittleEndian.Uint32(data[0:4])
	actualCRC := crc32.ChecksumIEEE(data[4:])
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("invalid record: CRC mismatch (expected %d, got %d)", expectedCRC, actualCRC)
	}

	r := &Record{}
	offset := 4
	r.LSN = LSN(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	r.TxnID = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	r.Type = RecordType(data[offset])
	offset++
	r.StoreID = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	r.PrevLSN = LSN(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	r.Timestamp = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	keyLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	valueLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if offset+keyLen+valueLen != len(data) {
		return nil, fmt.Errorf("invalid record: length mismatch")
	}

	r.Key = make([]byte, keyLen)
	copy(r.Key, data[offset:offset+keyLen])
	offset += keyLen
	r.Value = make([]byte, valueLen)
	copy(r.Value, data[offset:offset+valueLen])
	return r, nil
}

// Size returns the size of the encoded record in bytes
func (r *Record) Size() int {
	return RecordHeaderSize + len(r.Key) + len(r.Value)
}

// String returns a human-readable representation of the record
func (r *Record) String() string {
	return fmt.Sprintf("Record{LSN:%d, TxnID:%d, Type:%s, Store:%d, Ts:%d, KeyLen:%d, ValueLen:%d}",
		r.LSN, r.TxnID, r.Type, r.StoreID, r.Timestamp, len(r.Key), len(r.Value))
}
