// Package view derives memoized state from one or more live paths.
//
// A view stays Pending until every dependency has delivered once. From then
// on its value is compute applied to the latest value of each dependency,
// recomputed whenever any of them changes. A store error on any dependency
// fails the view for good; close it and derive a new one to retry. A compute
// error fails the view only until the next snapshot recomputes it.
package view

import (
	"context"
	"errors"
	"sync"

	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/subscription"
	"go.uber.org/zap"
)

// State is the resolution state of a view
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ComputeFunc derives a view value from its inputs. It runs while the view
// is locked and must not call back into the same handle.
type ComputeFunc[V any] func(Inputs) (V, error)

// ChangeFunc receives the view after each recompute or failure
type ChangeFunc[V any] func(value V, state State, err error)

// Handle is one consumer's live view
type Handle[V any] struct {
	reg     *registry.Registry
	scope   registry.Scope
	deps    []store.Path
	compute ComputeFunc[V]

	mu       sync.Mutex
	state    State
	broken   bool
	value    V
	err      error
	version  uint64
	seqs     []uint64
	values   []any
	resolved int
	closed   bool
	cancels  []func()
	changed  chan struct{}

	listeners    map[uint64]*changeListener[V]
	nextListener uint64
}

type changeListener[V any] struct {
	fn ChangeFunc[V]

	mu      sync.Mutex
	version uint64
	done    bool
}

// Derive builds a view over deps in scope. Duplicate paths are merged. The
// returned handle may already be Ready when every stream had a value.
func Derive[V any](reg *registry.Registry, scope registry.Scope, deps []store.Path, compute ComputeFunc[V]) (*Handle[V], error) {
	unique := make([]store.Path, 0, len(deps))
	seen := make(map[store.Path]bool, len(deps))
	for _, p := range deps {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}

	h := &Handle[V]{
		reg:       reg,
		scope:     scope,
		deps:      unique,
		compute:   compute,
		seqs:      make([]uint64, len(unique)),
		values:    make([]any, len(unique)),
		changed:   make(chan struct{}),
		listeners: make(map[uint64]*changeListener[V]),
	}

	streams := make([]*subscription.Stream, 0, len(unique))
	for _, p := range unique {
		st, err := reg.Acquire(p, scope)
		if err != nil {
			for _, acquired := range unique[:len(streams)] {
				_ = reg.Release(acquired, scope)
			}
			return nil, err
		}
		streams = append(streams, st)
	}
	metrics.Get().ActiveViews.Inc()

	cancels := make([]func(), 0, len(streams))
	for i, st := range streams {
		i := i
		cancels = append(cancels, st.Watch(func(snap subscription.Snapshot, err error) {
			h.onSnapshot(i, snap, err)
		}))
	}
	h.mu.Lock()
	h.cancels = cancels
	h.mu.Unlock()

	if len(unique) == 0 {
		h.recomputeAll()
	}
	return h, nil
}

// Deps returns the merged dependency paths
func (h *Handle[V]) Deps() []store.Path {
	return append([]store.Path(nil), h.deps...)
}

// Value returns the current value, state and failure
func (h *Handle[V]) Value() (V, State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.state, h.err
}

// Wait blocks until the view leaves Pending
func (h *Handle[V]) Wait(ctx context.Context) (V, error) {
	for {
		h.mu.Lock()
		state, value, err, changed := h.state, h.value, h.err, h.changed
		h.mu.Unlock()

		switch state {
		case Ready:
			return value, nil
		case Failed:
			return value, err
		}
		select {
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		case <-changed:
		}
	}
}

// OnChange registers fn and replays the current value to it unless the view
// is still pending. The returned cancel is idempotent.
func (h *Handle[V]) OnChange(fn ChangeFunc[V]) (cancel func()) {
	l := &changeListener[V]{fn: fn}

	h.mu.Lock()
	h.nextListener++
	id := h.nextListener
	h.listeners[id] = l
	state, value, err, version := h.state, h.value, h.err, h.version
	h.mu.Unlock()

	if state != Pending {
		l.notify(version, value, state, err)
	}

	return func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()

		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Close stops recomputation and releases the view's streams. Streams other
// handles hold stay open. Closing twice is a no-op.
func (h *Handle[V]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancels := h.cancels
	h.cancels = nil
	h.listeners = make(map[uint64]*changeListener[V])
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	var errs []error
	for _, p := range h.deps {
		if err := h.reg.Release(p, h.scope); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.Get().ActiveViews.Dec()
	return errors.Join(errs...)
}

func (h *Handle[V]) onSnapshot(i int, snap subscription.Snapshot, err error) {
	h.mu.Lock()
	if h.closed || h.broken {
		h.mu.Unlock()
		return
	}

	if err != nil {
		h.broken = true
		h.failLocked(err)
		h.publishLocked()
		return
	}

	if snap.Seq <= h.seqs[i] {
		h.mu.Unlock()
		return
	}
	if h.seqs[i] == 0 {
		h.resolved++
	}
	h.seqs[i] = snap.Seq
	h.values[i] = present(snap.Value)

	if h.resolved < len(h.deps) {
		h.mu.Unlock()
		return
	}
	h.recomputeLocked()
	h.publishLocked()
}

func (h *Handle[V]) recomputeAll() {
	h.mu.Lock()
	h.recomputeLocked()
	h.publishLocked()
}

func (h *Handle[V]) recomputeLocked() {
	metrics.Get().ViewRecomputes.Inc()
	value, err := h.compute(Inputs{paths: h.deps, values: append([]any(nil), h.values...)})
	if err != nil {
		h.failLocked(err)
		return
	}
	h.value = value
	h.state = Ready
	h.err = nil
}

func (h *Handle[V]) failLocked(err error) {
	var zero V
	h.value = zero
	h.state = Failed
	h.err = err
	logger.Log.Warn("View failed",
		logger.WithScope(string(h.scope)),
		zap.Int("deps", len(h.deps)),
		zap.Error(err),
	)
}

// publishLocked bumps the version and notifies listeners after unlocking
func (h *Handle[V]) publishLocked() {
	h.version++
	version, value, state, err := h.version, h.value, h.state, h.err
	close(h.changed)
	h.changed = make(chan struct{})
	listeners := make([]*changeListener[V], 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l.notify(version, value, state, err)
	}
}

func (l *changeListener[V]) notify(version uint64, value V, state State, err error) {
	l.mu.Lock()
	if l.done || version <= l.version {
		l.mu.Unlock()
		return
	}
	l.version = version
	l.mu.Unlock()
	l.fn(value, state, err)
}
