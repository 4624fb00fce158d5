package view

import (
	"fmt"

	"github.com/zfogg/livecache/internal/store"
)

// Inputs is the set of latest dependency values handed to a compute
// function, in the order the dependencies were declared. An absent value is
// an empty mapping.
type Inputs struct {
	paths  []store.Path
	values []any
}

// NewInputs pairs paths with values. Nil values become empty mappings.
func NewInputs(paths []store.Path, values []any) Inputs {
	in := Inputs{
		paths:  append([]store.Path(nil), paths...),
		values: make([]any, len(paths)),
	}
	for i := range paths {
		var v any
		if i < len(values) {
			v = values[i]
		}
		in.values[i] = present(v)
	}
	return in
}

// Len returns the number of dependencies
func (in Inputs) Len() int {
	return len(in.paths)
}

// Path returns the i-th dependency path
func (in Inputs) Path(i int) store.Path {
	return in.paths[i]
}

// Value returns the i-th dependency value
func (in Inputs) Value(i int) any {
	return in.values[i]
}

// Map returns the i-th value as a mapping, empty when it is a scalar
func (in Inputs) Map(i int) map[string]any {
	return store.AsMap(in.values[i])
}

// Decode converts the i-th value into dst
func (in Inputs) Decode(i int, dst any) error {
	if err := store.Decode(in.values[i], dst); err != nil {
		return fmt.Errorf("decode %s: %w", in.paths[i], err)
	}
	return nil
}

// Lookup returns the value of the dependency declared as path
func (in Inputs) Lookup(path store.Path) (any, bool) {
	for i, p := range in.paths {
		if p == path {
			return in.values[i], true
		}
	}
	return nil, false
}

func present(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
