// Package keystring encodes document values into byte strings whose bytewise
// order matches the value order used by indexes. Every encoding is prefix-free,
// so components can be concatenated and still compare correctly, and inverting
// the bytes of a component reverses its order for descending keys.
package keystring

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Type tags, in comparison order.
const (
	tagMinKey byte = 0x01
	tagNull   byte = 0x0A
	tagNumber byte = 0x14
	tagString byte = 0x1E
	tagObject byte = 0x28
	tagArray  byte = 0x32
	tagFalse  byte = 0x3C
	tagTrue   byte = 0x3D
	tagDate   byte = 0x46
	tagMaxKey byte = 0xF0
)

type minKey struct{}
type maxKey struct{}

// MinKey and MaxKey sort before and after every other value.
var (
	MinKey = minKey{}
	MaxKey = maxKey{}
)

// Direction of a key component.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// AppendValue appends the ascending encoding of v.
func AppendValue(dst []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(dst, tagNull), nil
	case minKey:
		return append(dst, tagMinKey), nil
	case maxKey:
		return append(dst, tagMaxKey), nil
	case bool:
		if val {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case float64:
		return appendNumber(dst, val), nil
	case float32:
		return appendNumber(dst, float64(val)), nil
	case int:
		return appendNumber(dst, float64(val)), nil
	case int32:
		return appendNumber(dst, float64(val)), nil
	case int64:
		return appendNumber(dst, float64(val)), nil
	case uint64:
		return appendNumber(dst, float64(val)), nil
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, val), nil
	case time.Time:
		dst = append(dst, tagDate)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(val.UnixMilli())^(1<<63))
		return append(dst, b[:]...), nil
	case map[string]interface{}:
		return appendObject(dst, val)
	case []interface{}:
		dst = append(dst, tagArray)
		var err error
		for _, item := range val {
			dst = append(dst, 0x01)
			if dst, err = AppendValue(dst, item); err != nil {
				return nil, err
			}
		}
		return append(dst, 0x00), nil
	default:
		// Named map types (storage.Document) land here.
		if m, ok := asMap(v); ok {
			return appendObject(dst, m)
		}
		return nil, fmt.Errorf("keystring: unsupported value type %T", v)
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	type mapper interface{ AsMap() map[string]interface{} }
	if m, ok := v.(mapper); ok {
		return m.AsMap(), true
	}
	return nil, false
}

func appendObject(dst []byte, m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = append(dst, tagObject)
	var err error
	for _, k := range keys {
		dst = append(dst, 0x01)
		dst = appendEscaped(dst, k)
		if dst, err = AppendValue(dst, m[k]); err != nil {
			return nil, err
		}
	}
	return append(dst, 0x00), nil
}

func appendNumber(dst []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	dst = append(dst, tagNumber)
	return append(dst, b[:]...)
}

// appendEscaped writes s with 0x00 escaped as 0x00 0xFF and a 0x00 0x00 terminator.
func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, 0x00, 0x00)
}

// AppendComponent appends v in the given direction.
func AppendComponent(dst []byte, v interface{}, dir Direction) ([]byte, error) {
	start := len(dst)
	dst, err := AppendValue(dst, v)
	if err != nil {
		return nil, err
	}
	if dir == Descending {
		for i := start; i < len(dst); i++ {
			dst[i] = ^dst[i]
		}
	}
	return dst, nil
}

// Encode builds a compound key from values and their directions.
func Encode(values []interface{}, dirs []Direction) ([]byte, error) {
	var out []byte
	var err error
	for i, v := range values {
		dir := Ascending
		if i < len(dirs) {
			dir = dirs[i]
		}
		if out, err = AppendComponent(out, v, dir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeValue encodes a single ascending value.
func EncodeValue(v interface{}) ([]byte, error) {
	return AppendValue(nil, v)
}

// AppendUint64 appends a fixed-width big-endian integer.
func AppendUint64(dst []byte, n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return append(dst, b[:]...)
}

// PrefixEnd returns the smallest key greater than every key that starts with
// prefix, or nil if there is none.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
