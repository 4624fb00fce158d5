package registry

import (
	"sync"

	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/subscription"
	"go.uber.org/zap"
)

// Scope names the owner of a set of subscriptions, such as one websocket
// connection or one CLI command
type Scope string

type key struct {
	path  store.Path
	scope Scope
}

type entry struct {
	stream *subscription.Stream
	refs   int
}

// Registry hands out one shared stream per (path, scope) and closes it when
// the last holder releases it
type Registry struct {
	store store.LiveStore

	mu      sync.Mutex
	entries map[key]*entry
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry *Registry
)

// New creates a registry opening streams on s
func New(s store.LiveStore) *Registry {
	return &Registry{
		store:   s,
		entries: make(map[key]*entry),
	}
}

// Default returns the process-wide registry, or nil before SetDefault
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault installs r as the process-wide registry
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defaultRegistry = r
	defaultMu.Unlock()
}

// Store returns the store streams are opened on
func (r *Registry) Store() store.LiveStore {
	return r.store
}

// Acquire returns the stream for (path, scope), opening it on first use, and
// takes one reference on it. A stream that ended with a store error is
// replaced by a fresh one; the reference count carries over so earlier
// holders still balance their releases.
func (r *Registry) Acquire(path store.Path, scope Scope) (*subscription.Stream, error) {
	if r.store == nil {
		return nil, apperrors.ErrRegistryWithoutStore
	}
	k := key{path: path, scope: scope}

	r.mu.Lock()
	if e, ok := r.entries[k]; ok && !e.stream.Closed() {
		e.refs++
		r.mu.Unlock()
		metrics.Get().RegistryAcquires.WithLabelValues("hit").Inc()
		return e.stream, nil
	}
	r.mu.Unlock()

	// Open outside the lock: the cold-start delivery runs consumer code.
	fresh, err := subscription.Open(r.store, path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.entries[k]
	switch {
	case !ok:
		r.entries[k] = &entry{stream: fresh, refs: 1}
		metrics.Get().RegistryEntries.Inc()
		r.mu.Unlock()
		metrics.Get().RegistryAcquires.WithLabelValues("open").Inc()
		logger.Log.Debug("Subscription opened",
			logger.WithPath(string(path)),
			logger.WithScope(string(scope)),
		)
		return fresh, nil

	case !e.stream.Closed():
		// another caller opened it first
		e.refs++
		r.mu.Unlock()
		fresh.Close()
		metrics.Get().RegistryAcquires.WithLabelValues("hit").Inc()
		return e.stream, nil

	default:
		e.stream = fresh
		e.refs++
		r.mu.Unlock()
		metrics.Get().RegistryAcquires.WithLabelValues("reopen").Inc()
		logger.Log.Info("Subscription reopened after store error",
			logger.WithPath(string(path)),
			logger.WithScope(string(scope)),
		)
		return fresh, nil
	}
}

// Release drops one reference on (path, scope). The stream is closed when
// the count reaches zero.
func (r *Registry) Release(path store.Path, scope Scope) error {
	k := key{path: path, scope: scope}

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		logger.Log.Warn("Release without acquire",
			logger.WithPath(string(path)),
			logger.WithScope(string(scope)),
		)
		return apperrors.ErrReleaseNotAcquired
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, k)
	r.mu.Unlock()

	metrics.Get().RegistryEntries.Dec()
	e.stream.Close()
	logger.Log.Debug("Subscription closed",
		logger.WithPath(string(path)),
		logger.WithScope(string(scope)),
	)
	return nil
}

// ReleaseScope drops every reference scope holds and returns how many
// entries were closed
func (r *Registry) ReleaseScope(scope Scope) int {
	r.mu.Lock()
	var streams []*subscription.Stream
	for k, e := range r.entries {
		if k.scope == scope {
			streams = append(streams, e.stream)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, st := range streams {
		metrics.Get().RegistryEntries.Dec()
		st.Close()
	}
	if len(streams) > 0 {
		logger.Log.Debug("Scope released",
			logger.WithScope(string(scope)),
			zap.Int("subscriptions", len(streams)),
		)
	}
	return len(streams)
}

// Refs returns the reference count of (path, scope), zero when absent
func (r *Registry) Refs(path store.Path, scope Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{path: path, scope: scope}]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every stream regardless of references
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[key]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		metrics.Get().RegistryEntries.Dec()
		e.stream.Close()
	}
}
