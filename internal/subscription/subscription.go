// Package subscription wraps one live store path as a stream of snapshots.
//
// A Stream delivers the cold-start value first and then one snapshot per
// change, in the order the store delivers them. A store error ends the stream:
// watchers see the error once and nothing after it. Consumers must treat an
// ended stream as unknown state, never as empty.
package subscription

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"github.com/zfogg/livecache/internal/store"
	"go.uber.org/zap"
)

// Snapshot is the value observed at a path at one point in time
type Snapshot struct {
	Path store.Path
	// Value is nil when the path holds nothing
	Value  any
	Exists bool
	// Seq numbers snapshots on this stream from 1 in arrival order
	Seq        uint64
	ReceivedAt time.Time
}

// WatchFunc is called with each snapshot, or once with a terminal error.
// Callbacks for one watcher may overlap with the replay done by Watch, so
// consumers keeping state should drop snapshots whose Seq is not newer.
type WatchFunc func(Snapshot, error)

// Stream is the live value of one path
type Stream struct {
	path store.Path

	mu          sync.Mutex
	latest      Snapshot
	err         error
	closed      bool
	unsubscribe store.Unsubscribe
	watchers    map[uint64]*watcher
	nextWatcher uint64
	changed     chan struct{}
	done        chan struct{}
	cursor      uint64
}

type watcher struct {
	fn WatchFunc

	mu   sync.Mutex
	seq  uint64
	done bool
}

// Open subscribes to path on s
func Open(s store.LiveStore, path store.Path) (*Stream, error) {
	st := &Stream{
		path:     path,
		watchers: make(map[uint64]*watcher),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	metrics.Get().ActiveStreams.Inc()

	unsubscribe, err := s.Subscribe(path, st.deliver)
	if err != nil {
		st.Close()
		return nil, apperrors.NewStoreError("subscribe", string(path), err)
	}

	st.mu.Lock()
	if st.closed {
		// ended during the cold-start delivery
		st.mu.Unlock()
		unsubscribe()
		return st, nil
	}
	st.unsubscribe = unsubscribe
	st.mu.Unlock()

	logger.Log.Debug("Stream opened", logger.WithPath(string(path)))
	return st, nil
}

// Path returns the subscribed path
func (st *Stream) Path() store.Path {
	return st.path
}

// Latest returns the most recent snapshot; ok is false until the first one
func (st *Stream) Latest() (Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latest, st.latest.Seq > 0
}

// Err returns the terminal store error, if any
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Closed reports whether the stream has ended, by Close or by an error
func (st *Stream) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Done is closed when the stream ends
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Watch registers fn and replays the latest snapshot (or the terminal error)
// to it. The returned cancel stops further calls and is idempotent.
func (st *Stream) Watch(fn WatchFunc) (cancel func()) {
	w := &watcher{fn: fn}

	st.mu.Lock()
	st.nextWatcher++
	id := st.nextWatcher
	latest, err, closed := st.latest, st.err, st.closed
	if !closed {
		st.watchers[id] = w
	}
	st.mu.Unlock()

	switch {
	case err != nil:
		w.fail(err)
	case latest.Seq > 0:
		w.offer(latest)
	}

	return func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()

		st.mu.Lock()
		delete(st.watchers, id)
		st.mu.Unlock()
	}
}

// Next blocks until a snapshot newer than the last one returned by Next is
// available and returns it. Intermediate snapshots may be skipped. It returns
// the terminal error once the stream has failed, or a CLOSED error after Close.
func (st *Stream) Next(ctx context.Context) (Snapshot, error) {
	for {
		st.mu.Lock()
		if st.latest.Seq > st.cursor {
			st.cursor = st.latest.Seq
			snap := st.latest
			st.mu.Unlock()
			return snap, nil
		}
		if st.err != nil {
			err := st.err
			st.mu.Unlock()
			return Snapshot{}, err
		}
		if st.closed {
			st.mu.Unlock()
			return Snapshot{}, apperrors.ErrStreamClosed
		}
		changed := st.changed
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-changed:
		}
	}
}

// Close releases the store listener. Nothing is delivered afterwards.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	unsubscribe := st.endLocked()
	st.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	logger.Log.Debug("Stream closed", logger.WithPath(string(st.path)))
}

// endLocked marks the stream ended and wakes Next callers
func (st *Stream) endLocked() store.Unsubscribe {
	st.closed = true
	close(st.done)
	close(st.changed)
	st.changed = make(chan struct{})
	unsubscribe := st.unsubscribe
	st.unsubscribe = nil
	metrics.Get().ActiveStreams.Dec()
	return unsubscribe
}

func (st *Stream) deliver(value any, err error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}

	if err != nil {
		st.err = apperrors.NewStoreError("subscribe", string(st.path), err)
		watchers := st.watcherListLocked()
		st.watchers = make(map[uint64]*watcher)
		unsubscribe := st.endLocked()
		storeErr := st.err
		st.mu.Unlock()

		metrics.Get().StoreErrorsTotal.WithLabelValues(string(apperrors.CodeOf(storeErr))).Inc()
		logger.Log.Warn("Stream ended by store error",
			logger.WithPath(string(st.path)),
			zap.Error(storeErr),
		)
		for _, w := range watchers {
			w.fail(storeErr)
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		return
	}

	st.latest = Snapshot{
		Path:       st.path,
		Value:      value,
		Exists:     value != nil,
		Seq:        st.latest.Seq + 1,
		ReceivedAt: time.Now(),
	}
	snap := st.latest
	close(st.changed)
	st.changed = make(chan struct{})
	watchers := st.watcherListLocked()
	st.mu.Unlock()

	metrics.Get().SnapshotsDelivered.Inc()
	for _, w := range watchers {
		w.offer(snap)
	}
}

func (st *Stream) watcherListLocked() []*watcher {
	list := make([]*watcher, 0, len(st.watchers))
	for _, w := range st.watchers {
		list = append(list, w)
	}
	return list
}

func (w *watcher) offer(snap Snapshot) {
	w.mu.Lock()
	if w.done || snap.Seq <= w.seq {
		w.mu.Unlock()
		return
	}
	w.seq = snap.Seq
	w.mu.Unlock()
	w.fn(snap, nil)
}

func (w *watcher) fail(err error) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.mu.Unlock()
	w.fn(Snapshot{}, err)
}
