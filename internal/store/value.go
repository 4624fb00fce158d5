package store

import (
	"bytes"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// codec sorts map keys so encodings are canonical
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Normalize converts v into the store's value model: nil, bool, float64,
// string, []any, or map[string]any with no nil children and no empty maps.
// Any JSON-encodable Go value (structs included) is accepted.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case bool, string, float64:
		return v, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := codec.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return prune(out), nil
}

// prune drops nil children and empty mappings recursively
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		child = prune(child)
		if child == nil {
			delete(m, k)
			continue
		}
		m[k] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Canonical returns the canonical JSON encoding of a value
func Canonical(v any) []byte {
	n, err := Normalize(v)
	if err != nil {
		return []byte(fmt.Sprintf("!%v", err))
	}
	data, err := codec.Marshal(n)
	if err != nil {
		return []byte(fmt.Sprintf("!%v", err))
	}
	return data
}

// Equal compares two values by canonical encoding
func Equal(a, b any) bool {
	return bytes.Equal(Canonical(a), Canonical(b))
}

// Decode converts a store value into dst (a pointer) through JSON
func Decode(v any, dst any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode value into %T: %w", dst, err)
	}
	return nil
}

// AsInt64 reads a counter value. Absent or non-numeric values count as zero.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(math.Round(n))
	case float32:
		return int64(math.Round(float64(n)))
	case int:
		return int64(n)
	case int64:
		return n
	case int32:
		return int64(n)
	case jsoniter.Number:
		i, err := n.Int64()
		if err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(math.Round(f))
	}
	return 0
}

// AsBool reads a flag value. Absent or non-boolean values count as false.
func AsBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// AsMap returns the children of a mapping; absent values give an empty map
func AsMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// CloneMap copies the top level of a mapping so it can be modified
func CloneMap(v any) map[string]any {
	src := AsMap(v)
	out := make(map[string]any, len(src)+1)
	for k, child := range src {
		out[k] = child
	}
	return out
}
