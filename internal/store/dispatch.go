package store

import (
	"fmt"
	"sync"

	"github.com/zfogg/livecache/internal/logger"
	"go.uber.org/zap"
)

// Dispatcher runs queued callbacks one at a time in enqueue order. Whoever
// calls Drain while nobody else is draining runs the queue; a callback that
// enqueues more work has it run after it returns.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Enqueue appends fn without running it
func (d *Dispatcher) Enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

// Drain runs queued callbacks until the queue is empty, unless another
// goroutine (or an outer frame of this one) is already draining
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.run(fn)
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}

// Pending reports the number of queued callbacks
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Listener panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
