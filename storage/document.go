package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// MaxDocumentSize bounds the encoded size of a document.
const MaxDocumentSize = MaxValueSize - 64

// Document represents a JSON document in the database
type Document map[string]interface{}

// Serialize converts a document to JSON bytes. Documents over
// MaxDocumentSize are rejected with DocumentTooLarge.
func (d Document) Serialize() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(d); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeInvalidOptions, err, "failed to serialize document")
	}

	// Trim the newline added by Encode and copy out of the pooled buffer.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > MaxDocumentSize {
		return nil, storeerr.Newf(storeerr.CodeDocumentTooLarge,
			"document of %d bytes exceeds the %d byte limit", len(b), MaxDocumentSize)
	}
	result := make([]byte, len(b))
	copy(result, b)
	return result, nil
}

// DeserializeDocument creates a document from JSON bytes
func DeserializeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return d, nil
}

// AsMap returns the document as a plain map.
func (d Document) AsMap() map[string]interface{} {
	return map[string]interface{}(d)
}

// GetID returns the _id value if present.
func (d Document) GetID() (interface{}, bool) {
	id, exists := d["_id"]
	return id, exists
}

// SetID sets the document ID
func (d Document) SetID(id interface{}) {
	d["_id"] = id
}

// Clone creates a deep copy of the document
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

// deepCopyValue creates a deep copy of a value
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Document(val).Clone())
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives are immutable or copied by value
		return val
	}
}

// Lookup returns the value at a dotted path. Traversal stops at arrays; the
// caller expands them (see index key generation).
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, key := range splitPath(path) {
		m, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		return val, true
	case Document:
		return val, true
	}
	return nil, false
}

// ApplyPatch merges a patch document into the target document.
// It supports dot notation for nested updates (e.g., "settings.theme": "dark")
// and a "$unset" operator for deletions.
func (d Document) ApplyPatch(patch map[string]interface{}) error {
	if unset, ok := patch["$unset"]; ok {
		if unsetMap, ok := unset.(map[string]interface{}); ok {
			for path := range unsetMap {
				d.deletePath(path)
			}
		}
	}

	for k, v := range patch {
		if k == "$unset" {
			continue
		}
		if k == "_id" {
			if cur, ok := d["_id"]; ok && fmt.Sprint(cur) != fmt.Sprint(v) {
				return storeerr.New(storeerr.CodeIllegalOperation, "_id is immutable")
			}
		}
		d.setPath(k, v)
	}
	return nil
}

func (d Document) deletePath(path string) {
	keys := splitPath(path)
	current := map[string]interface{}(d)
	for i := 0; i < len(keys)-1; i++ {
		next, ok := asObject(current[keys[i]])
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

// setPath sets a value at the given dot-notation path, creating or
// overwriting intermediate objects.
func (d Document) setPath(path string, value interface{}) {
	keys := splitPath(path)
	current := map[string]interface{}(d)
	for i := 0; i < len(keys)-1; i++ {
		next, ok := asObject(current[keys[i]])
		if !ok {
			next = make(map[string]interface{})
			current[keys[i]] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}
