// Package store defines the live value capability the cache is built on and
// ships the in-memory implementation. Redis and SQL implementations live in
// internal/cache and internal/database.
package store

import "context"

// Listener receives the value at a subscribed path. A non-nil err is terminal:
// the listener has been removed and will not be called again.
// Values are shared with the store and must be treated as read-only.
type Listener func(value any, err error)

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// LiveStore is a hierarchical key-value store with change notification and
// per-path compare-and-swap.
type LiveStore interface {
	// Read returns the current value at path, nil when absent
	Read(ctx context.Context, path Path) (any, error)

	// Subscribe delivers the current value and then every change under or
	// above path, in commit order
	Subscribe(path Path, fn Listener) (Unsubscribe, error)

	// CompareAndSwap writes next only if the value at path still equals
	// expected. It returns the value now stored and whether the swap happened.
	CompareAndSwap(ctx context.Context, path Path, expected, next any) (current any, swapped bool, err error)

	// Write replaces the value at path; nil deletes it
	Write(ctx context.Context, path Path, value any) error

	// Update writes several paths atomically. No path may contain another.
	Update(ctx context.Context, values map[Path]any) error
}

// Closer is implemented by stores holding connections
type Closer interface {
	Close() error
}
