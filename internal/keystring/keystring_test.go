package keystring

import (
	"bytes"
	"testing"
)

func mustEncode(t *testing.T, v interface{}, dir Direction) []byte {
	t.Helper()
	b, err := AppendComponent(nil, v, dir)
	if err != nil {
		t.Fatalf("Failed to encode %v: %v", v, err)
	}
	return b
}

func TestValueOrdering(t *testing.T) {
	ordered := []interface{}{
		MinKey,
		nil,
		-1e9,
		-1.5,
		0,
		1,
		2.5,
		1e9,
		"",
		"a",
		"a\x00",
		"ab",
		"b",
		map[string]interface{}{"a": 1},
		[]interface{}{1, 2},
		false,
		true,
		MaxKey,
	}

	for i := 1; i < len(ordered); i++ {
		prev := mustEncode(t, ordered[i-1], Ascending)
		cur := mustEncode(t, ordered[i], Ascending)
		if bytes.Compare(prev, cur) >= 0 {
			t.Errorf("Expected %v < %v", ordered[i-1], ordered[i])
		}

		prevDesc := mustEncode(t, ordered[i-1], Descending)
		curDesc := mustEncode(t, ordered[i], Descending)
		if bytes.Compare(prevDesc, curDesc) <= 0 {
			t.Errorf("Expected descending %v > %v", ordered[i-1], ordered[i])
		}
	}
}

func TestIntAndFloatEncodeEqual(t *testing.T) {
	a := mustEncode(t, 3, Ascending)
	b := mustEncode(t, 3.0, Ascending)
	if !bytes.Equal(a, b) {
		t.Error("int 3 and float 3.0 should encode identically")
	}
}

func TestCompoundPrefixFree(t *testing.T) {
	k1, _ := Encode([]interface{}{"a", 2}, nil)
	k2, _ := Encode([]interface{}{"a\x00", 1}, nil)
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("First component must dominate the comparison")
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := PrefixEnd([]byte{0x01, 0xFF}); !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("Unexpected prefix end %x", got)
	}
	if got := PrefixEnd([]byte{0xFF, 0xFF}); got != nil {
		t.Errorf("Expected nil prefix end, got %x", got)
	}
}
