package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/zfogg/livecache/internal/errors"
)

// MemoryStore is an in-process LiveStore. It backs tests and single-process
// deployments, and can simulate permission failures with Deny.
type MemoryStore struct {
	mu     sync.RWMutex
	root   any
	denied map[Path]error

	notifier *Notifier
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{denied: make(map[Path]error)}
	s.notifier = NewNotifier(s.Read)
	return s
}

// Read returns the value at path
func (s *MemoryStore) Read(ctx context.Context, path Path) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked("read", path); err != nil {
		return nil, err
	}
	return Lookup(s.root, path), nil
}

// Subscribe registers fn for path
func (s *MemoryStore) Subscribe(path Path, fn Listener) (Unsubscribe, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return s.notifier.Add(path, fn), nil
}

// CompareAndSwap writes next when the stored value equals expected
func (s *MemoryStore) CompareAndSwap(ctx context.Context, path Path, expected, next any) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := path.Validate(); err != nil {
		return nil, false, err
	}
	value, err := Normalize(next)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if err := s.checkLocked("compare-and-swap", path); err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	current := Lookup(s.root, path)
	if !Equal(current, expected) {
		s.mu.Unlock()
		return current, false, nil
	}
	s.root = Replace(s.root, path, value)
	s.mu.Unlock()

	s.notifier.Changed(path)
	return value, true, nil
}

// Write replaces the value at path
func (s *MemoryStore) Write(ctx context.Context, path Path, value any) error {
	return s.Update(ctx, map[Path]any{path: value})
}

// Update writes all values in one step
func (s *MemoryStore) Update(ctx context.Context, values map[Path]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	paths, normalized, err := PrepareUpdate(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range paths {
		if err := s.checkLocked("write", p); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for _, p := range paths {
		s.root = Replace(s.root, p, normalized[p])
	}
	s.mu.Unlock()

	s.notifier.Changed(paths...)
	return nil
}

// Deny makes every operation at or below path fail with a permission error
// and terminates the listeners there, as a store revoking access would
func (s *MemoryStore) Deny(path Path) {
	s.fail(path, apperrors.ErrStorePermission)
}

// Disconnect is Deny with a network error
func (s *MemoryStore) Disconnect(path Path) {
	s.fail(path, apperrors.ErrStoreNetwork)
}

// Allow lifts a Deny or Disconnect on exactly path
func (s *MemoryStore) Allow(path Path) {
	s.mu.Lock()
	delete(s.denied, path)
	s.mu.Unlock()
}

// Listeners reports how many store listeners are registered
func (s *MemoryStore) Listeners() int {
	return s.notifier.Len()
}

func (s *MemoryStore) fail(path Path, cause error) {
	s.mu.Lock()
	s.denied[path] = cause
	s.mu.Unlock()
	s.notifier.Fail(path, apperrors.NewStoreError("subscribe", string(path), cause))
}

func (s *MemoryStore) checkLocked(op string, path Path) error {
	for denied, cause := range s.denied {
		if denied.Contains(path) {
			return apperrors.NewStoreError(op, string(path), cause)
		}
	}
	return nil
}

// PrepareUpdate validates and normalizes a multi-path write. Paths come back
// sorted; none of them contains another.
func PrepareUpdate(values map[Path]any) ([]Path, map[Path]any, error) {
	paths := make([]Path, 0, len(values))
	normalized := make(map[Path]any, len(values))
	for p, v := range values {
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, nil, err
		}
		if p == Root && n != nil {
			if _, ok := n.(map[string]any); !ok {
				return nil, nil, apperrors.New(apperrors.ErrInvalidPath, "the root only holds mappings")
			}
		}
		paths = append(paths, p)
		normalized[p] = n
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	for i := 0; i < len(paths); i++ {
		for j := i + 1; j < len(paths); j++ {
			if paths[i].Related(paths[j]) {
				return nil, nil, apperrors.New(apperrors.ErrInvalidPath,
					fmt.Sprintf("update paths %q and %q overlap", paths[i], paths[j]))
			}
		}
	}
	return paths, normalized, nil
}
