package store

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
)

// ReadFunc loads the current value at a path
type ReadFunc func(ctx context.Context, path Path) (any, error)

// Notifier keeps the listeners of a store and turns "something changed at
// these paths" into listener deliveries. Each affected listener re-reads its
// own path on the dispatcher, so deliveries for one listener are ordered and
// the last one always carries the latest committed value. Consecutive equal
// values are delivered once.
type Notifier struct {
	read ReadFunc

	mu        sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64

	dispatch Dispatcher
}

type listener struct {
	id   uint64
	path Path
	fn   Listener

	// last and delivered are only touched on the dispatcher
	last      []byte
	delivered bool

	closed atomic.Bool
}

// NewNotifier creates a notifier reading through read
func NewNotifier(read ReadFunc) *Notifier {
	return &Notifier{
		read:      read,
		listeners: make(map[uint64]*listener),
	}
}

// Add registers fn for path and schedules the cold-start read
func (n *Notifier) Add(path Path, fn Listener) Unsubscribe {
	l := &listener{path: path, fn: fn}

	n.mu.Lock()
	n.nextID++
	l.id = n.nextID
	n.listeners[l.id] = l
	n.dispatch.Enqueue(func() { n.refresh(l) })
	n.mu.Unlock()

	n.dispatch.Drain()
	return func() { n.remove(l) }
}

// Changed schedules a refresh for every listener related to one of paths
func (n *Notifier) Changed(paths ...Path) {
	n.mu.Lock()
	for _, l := range n.listeners {
		for _, p := range paths {
			if l.path.Related(p) {
				l := l
				n.dispatch.Enqueue(func() { n.refresh(l) })
				break
			}
		}
	}
	n.mu.Unlock()

	n.dispatch.Drain()
}

// Fail terminates every listener at or below scope with err
func (n *Notifier) Fail(scope Path, err error) {
	n.mu.Lock()
	for _, l := range n.listeners {
		if scope.Contains(l.path) {
			l := l
			n.dispatch.Enqueue(func() { n.terminate(l, err) })
		}
	}
	n.mu.Unlock()

	n.dispatch.Drain()
}

// Len reports the number of live listeners
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

func (n *Notifier) remove(l *listener) bool {
	if l.closed.Swap(true) {
		return false
	}
	n.mu.Lock()
	delete(n.listeners, l.id)
	n.mu.Unlock()
	return true
}

func (n *Notifier) terminate(l *listener, err error) {
	if n.remove(l) {
		l.fn(nil, err)
	}
}

func (n *Notifier) refresh(l *listener) {
	if l.closed.Load() {
		return
	}
	value, err := n.read(context.Background(), l.path)
	if err != nil {
		n.terminate(l, err)
		return
	}
	if l.closed.Load() {
		return
	}
	canon := Canonical(value)
	if l.delivered && bytes.Equal(canon, l.last) {
		return
	}
	l.last = canon
	l.delivered = true
	l.fn(value, nil)
}
