package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	treeName = "tree"
	// changes older than this many revisions are pruned on write
	changeRetention = 1024
)

// SQLStore is a LiveStore kept in a nodes table, one row per leaf. Each
// write transaction first bumps the tree's revision row, so compare and
// write happen under that row lock and CompareAndSwap never races. Other
// processes learn about commits by polling the changes table.
type SQLStore struct {
	db       *gorm.DB
	origin   string
	interval time.Duration

	notifier *store.Notifier

	mu      sync.Mutex
	lastRev int64
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewSQLStore migrates db and starts polling for foreign commits every
// interval. A zero interval disables polling.
func NewSQLStore(db *gorm.DB, interval time.Duration) (*SQLStore, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	s := &SQLStore{
		db:       db,
		origin:   uuid.New().String(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.notifier = store.NewNotifier(s.Read)

	var rev Revision
	err := db.Where("name = ?", treeName).Limit(1).Find(&rev).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load revision: %w", err)
	}
	s.lastRev = rev.Rev

	if interval > 0 {
		go s.poll()
	} else {
		close(s.done)
	}
	return s, nil
}

// Read returns the value at path
func (s *SQLStore) Read(ctx context.Context, path store.Path) (any, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	leaves, err := s.loadSubtree(s.db.WithContext(ctx), path)
	if err != nil {
		return nil, s.storeError("read", path, err)
	}
	return store.Assemble(path, leaves), nil
}

// Subscribe registers fn for path
func (s *SQLStore) Subscribe(path store.Path, fn store.Listener) (store.Unsubscribe, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, apperrors.NewStoreError("subscribe", string(path), apperrors.ErrStoreNetwork)
	}
	return s.notifier.Add(path, fn), nil
}

// CompareAndSwap writes next when the stored value equals expected
func (s *SQLStore) CompareAndSwap(ctx context.Context, path store.Path, expected, next any) (any, bool, error) {
	if err := path.Validate(); err != nil {
		return nil, false, err
	}
	value, err := store.Normalize(next)
	if err != nil {
		return nil, false, err
	}

	var current any
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rev, err := s.lock(tx)
		if err != nil {
			return err
		}
		leaves, err := s.loadSubtree(tx, path)
		if err != nil {
			return err
		}
		current = store.Assemble(path, leaves)
		if !store.Equal(current, expected) {
			// nothing written; roll back the revision bump
			return errNoChange
		}
		if err := s.replace(tx, path, value); err != nil {
			return err
		}
		return s.record(tx, rev, []store.Path{path})
	})
	switch {
	case errors.Is(err, errNoChange):
		return current, false, nil
	case err != nil:
		return nil, false, s.storeError("compare-and-swap", path, err)
	}

	s.notifier.Changed(path)
	return value, true, nil
}

// Write replaces the value at path
func (s *SQLStore) Write(ctx context.Context, path store.Path, value any) error {
	return s.Update(ctx, map[store.Path]any{path: value})
}

// Update writes all values in one transaction
func (s *SQLStore) Update(ctx context.Context, values map[store.Path]any) error {
	paths, normalized, err := store.PrepareUpdate(values)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rev, err := s.lock(tx)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := s.replace(tx, p, normalized[p]); err != nil {
				return err
			}
		}
		return s.record(tx, rev, paths)
	})
	if err != nil {
		return s.storeError("write", paths[0], err)
	}

	s.notifier.Changed(paths...)
	return nil
}

// Close stops polling and ends every subscription. The database handle
// stays open.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.notifier.Fail(store.Root, apperrors.NewStoreError("subscribe", "", apperrors.ErrStoreNetwork))
	return nil
}

// Listeners reports how many store listeners are registered
func (s *SQLStore) Listeners() int {
	return s.notifier.Len()
}

var errNoChange = errors.New("compare failed")

// lock bumps the revision row, taking its row lock for the rest of tx, and
// returns the new revision
func (s *SQLStore) lock(tx *gorm.DB) (int64, error) {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{"rev": gorm.Expr("revisions.rev + 1"), "updated_at": time.Now().UTC()}),
	}).Create(&Revision{Name: treeName, Rev: 1}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock tree: %w", err)
	}
	var rev Revision
	if err := tx.Where("name = ?", treeName).First(&rev).Error; err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev.Rev, nil
}

// replace swaps the subtree at path for value
func (s *SQLStore) replace(tx *gorm.DB, path store.Path, value any) error {
	if path == store.Root {
		if err := tx.Where("1 = 1").Delete(&Node{}).Error; err != nil {
			return err
		}
	} else {
		if err := tx.Where("path = ? OR path LIKE ? ESCAPE '\\'", string(path), likePrefix(path)).Delete(&Node{}).Error; err != nil {
			return err
		}
		var ancestors []string
		for p, ok := path.Parent(); ok && p != store.Root; p, ok = p.Parent() {
			ancestors = append(ancestors, string(p))
		}
		if len(ancestors) > 0 {
			if err := tx.Where("path IN ?", ancestors).Delete(&Node{}).Error; err != nil {
				return err
			}
		}
	}

	leaves := store.Flatten(path, value)
	if len(leaves) == 0 {
		return nil
	}
	nodes := make([]Node, 0, len(leaves))
	for leaf, v := range leaves {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", leaf, err)
		}
		nodes = append(nodes, Node{Path: string(leaf), Value: string(data)})
	}
	return tx.CreateInBatches(nodes, 200).Error
}

// record logs the commit for other processes and prunes old entries
func (s *SQLStore) record(tx *gorm.DB, rev int64, paths []store.Path) error {
	data, err := json.Marshal(pathStrings(paths))
	if err != nil {
		return err
	}
	if err := tx.Create(&Change{Rev: rev, Origin: s.origin, Paths: string(data)}).Error; err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	if rev > changeRetention {
		return tx.Where("rev <= ?", rev-changeRetention).Delete(&Change{}).Error
	}
	return nil
}

func (s *SQLStore) loadSubtree(db *gorm.DB, path store.Path) (map[store.Path]any, error) {
	var nodes []Node
	q := db
	if path != store.Root {
		q = q.Where("path = ? OR path LIKE ? ESCAPE '\\'", string(path), likePrefix(path))
	}
	if err := q.Find(&nodes).Error; err != nil {
		return nil, err
	}
	leaves := make(map[store.Path]any, len(nodes))
	for _, n := range nodes {
		var v any
		if err := json.Unmarshal([]byte(n.Value), &v); err != nil {
			return nil, &decodeError{path: n.Path, err: err}
		}
		leaves[store.Path(n.Path)] = v
	}
	return leaves, nil
}

func (s *SQLStore) poll() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.pollOnce(); err != nil {
				logger.Log.Warn("Polling changes failed", zap.Error(err))
			}
		}
	}
}

func (s *SQLStore) pollOnce() error {
	s.mu.Lock()
	last := s.lastRev
	s.mu.Unlock()

	var changes []Change
	if err := s.db.Where("rev > ?", last).Order("rev").Find(&changes).Error; err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	var paths []store.Path
	for _, c := range changes {
		if c.Origin == s.origin {
			continue
		}
		var ps []string
		if err := json.Unmarshal([]byte(c.Paths), &ps); err != nil {
			logger.Log.Warn("Ignoring malformed change", zap.Int64("rev", c.Rev), zap.Error(err))
			continue
		}
		for _, p := range ps {
			paths = append(paths, store.Path(p))
		}
	}

	s.mu.Lock()
	if changes[len(changes)-1].Rev > s.lastRev {
		s.lastRev = changes[len(changes)-1].Rev
	}
	s.mu.Unlock()

	if len(paths) > 0 {
		s.notifier.Changed(paths...)
	}
	return nil
}

func (s *SQLStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQLStore) storeError(op string, path store.Path, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return apperrors.NewStoreError(op, string(path), err)
	}
	return apperrors.NewStoreError(op, string(path), fmt.Errorf("%w: %w", apperrors.ErrStoreNetwork, err))
}

type decodeError struct {
	path string
	err  error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("corrupt value at %s: %v", e.path, e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}

// likePrefix matches every path strictly below p
func likePrefix(p store.Path) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(string(p)) + "/%"
}

func pathStrings(paths []store.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}
