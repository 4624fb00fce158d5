package view

import (
	"context"

	"github.com/zfogg/livecache/internal/store"
)

// Once reads every dependency a single time and applies compute, for
// callers that need the value now and no updates
func Once[V any](ctx context.Context, s store.LiveStore, deps []store.Path, compute ComputeFunc[V]) (V, error) {
	var zero V
	values := make([]any, len(deps))
	for i, p := range deps {
		v, err := s.Read(ctx, p)
		if err != nil {
			return zero, err
		}
		values[i] = v
	}
	return compute(NewInputs(deps, values))
}
