package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/telemetry"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxWriteAttempts bounds how often an unconditional write re-runs after
// another writer touched the tree mid-transaction
const maxWriteAttempts = 16

// changeMessage is published after every committed write
type changeMessage struct {
	Origin string   `json:"origin"`
	Paths  []string `json:"paths"`
}

// RedisStore is a LiveStore kept in one Redis hash. Every leaf value is a
// field named by its full path holding canonical JSON. Writers commit with
// WATCH/MULTI on the hash and announce changed paths on a channel, so every
// RedisStore sharing the namespace sees every write.
type RedisStore struct {
	client  *redis.Client
	treeKey string
	channel string
	origin  string

	notifier *store.Notifier

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewRedisStore starts a store under namespace and begins listening for
// changes made by other processes
func NewRedisStore(rc *RedisClient, namespace string) (*RedisStore, error) {
	if namespace == "" {
		namespace = "livecache"
	}
	s := &RedisStore{
		client:  rc.Client(),
		treeKey: namespace + ":tree",
		channel: namespace + ":changes",
		origin:  uuid.New().String(),
		done:    make(chan struct{}),
	}
	s.notifier = store.NewNotifier(s.Read)

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.pubsub = pubsub
	s.cancel = cancel
	go s.listen(pubsub.Channel())

	logger.Log.Info("Redis live store ready",
		zap.String("tree", s.treeKey),
		zap.String("channel", s.channel),
	)
	return s, nil
}

// Read returns the value at path
func (s *RedisStore) Read(ctx context.Context, path store.Path) (any, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.TraceStoreCall(ctx, "redis", "read", string(path))
	defer span.End()

	leaves, err := s.loadSubtree(ctx, s.client, path)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, s.storeError("read", path, err)
	}
	return store.Assemble(path, leaves), nil
}

// Subscribe registers fn for path
func (s *RedisStore) Subscribe(path store.Path, fn store.Listener) (store.Unsubscribe, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, apperrors.NewStoreError("subscribe", string(path), apperrors.ErrStoreNetwork)
	}
	return s.notifier.Add(path, fn), nil
}

// CompareAndSwap writes next when the stored value equals expected. A
// concurrent commit between the read and EXEC reports a conflict carrying
// the value as it is now.
func (s *RedisStore) CompareAndSwap(ctx context.Context, path store.Path, expected, next any) (any, bool, error) {
	if err := path.Validate(); err != nil {
		return nil, false, err
	}
	value, err := store.Normalize(next)
	if err != nil {
		return nil, false, err
	}
	ctx, span := telemetry.TraceStoreCall(ctx, "redis", "compare_and_swap", string(path))
	defer span.End()

	var current any
	swapped := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		leaves, err := s.loadSubtree(ctx, tx, path)
		if err != nil {
			return err
		}
		current = store.Assemble(path, leaves)
		if !store.Equal(current, expected) {
			return nil
		}
		if err := s.commit(ctx, tx, []store.Path{path}, map[store.Path]any{path: value}); err != nil {
			return err
		}
		swapped = true
		return nil
	}, s.treeKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		current, err = s.Read(ctx, path)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	case err != nil:
		telemetry.RecordError(span, err)
		return nil, false, s.storeError("compare-and-swap", path, err)
	}

	if !swapped {
		return current, false, nil
	}
	s.notifier.Changed(path)
	return value, true, nil
}

// Write replaces the value at path
func (s *RedisStore) Write(ctx context.Context, path store.Path, value any) error {
	return s.Update(ctx, map[store.Path]any{path: value})
}

// Update writes all values in one transaction
func (s *RedisStore) Update(ctx context.Context, values map[store.Path]any) error {
	paths, normalized, err := store.PrepareUpdate(values)
	if err != nil {
		return err
	}
	ctx, span := telemetry.TraceStoreCall(ctx, "redis", "update", joinPaths(paths))
	defer span.End()

	for attempt := 1; ; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.commit(ctx, tx, paths, normalized)
		}, s.treeKey)
		if !errors.Is(err, redis.TxFailedErr) || attempt >= maxWriteAttempts {
			break
		}
		logger.Log.Debug("Redis write raced, retrying",
			logger.WithPath(joinPaths(paths)),
			logger.WithAttempts(attempt),
		)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return s.storeError("write", paths[0], err)
	}

	s.notifier.Changed(paths...)
	return nil
}

// Close stops the change listener and ends every subscription
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.notifier.Fail(store.Root, apperrors.NewStoreError("subscribe", "", apperrors.ErrStoreNetwork))
	return err
}

// Listeners reports how many store listeners are registered
func (s *RedisStore) Listeners() int {
	return s.notifier.Len()
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// commit queues the HDEL/HSET/PUBLISH for paths inside a MULTI on tx
func (s *RedisStore) commit(ctx context.Context, tx *redis.Tx, paths []store.Path, values map[store.Path]any) error {
	var stale []string
	set := make(map[string]any)

	for _, p := range paths {
		existing, err := s.loadSubtree(ctx, tx, p)
		if err != nil {
			return err
		}
		ancestors, err := s.leafAncestors(ctx, tx, p)
		if err != nil {
			return err
		}
		stale = append(stale, ancestors...)

		fresh := store.Flatten(p, values[p])
		for leaf := range existing {
			if _, ok := fresh[leaf]; !ok {
				stale = append(stale, string(leaf))
			}
		}
		for leaf, v := range fresh {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", leaf, err)
			}
			set[string(leaf)] = string(data)
		}
	}

	msg, err := json.Marshal(changeMessage{Origin: s.origin, Paths: pathStrings(paths)})
	if err != nil {
		return err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.HDel(ctx, s.treeKey, stale...)
		}
		if len(set) > 0 {
			pipe.HSet(ctx, s.treeKey, set)
		}
		pipe.Publish(ctx, s.channel, string(msg))
		return nil
	})
	return err
}

// hashReader is the part of redis.Client and redis.Tx the store reads with
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
}

// loadSubtree fetches the leaf at path and every leaf below it
func (s *RedisStore) loadSubtree(ctx context.Context, c hashReader, path store.Path) (map[store.Path]any, error) {
	leaves := make(map[store.Path]any)

	if path == store.Root {
		all, err := c.HGetAll(ctx, s.treeKey).Result()
		if err != nil {
			return nil, err
		}
		for field, raw := range all {
			if err := addLeaf(leaves, field, raw); err != nil {
				return nil, err
			}
		}
		return leaves, nil
	}

	raw, err := c.HGet(ctx, s.treeKey, string(path)).Result()
	switch {
	case err == nil:
		if err := addLeaf(leaves, string(path), raw); err != nil {
			return nil, err
		}
		return leaves, nil
	case !errors.Is(err, redis.Nil):
		return nil, err
	}

	iter := c.HScan(ctx, s.treeKey, 0, globEscape(string(path))+"/*", 256).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		if err := addLeaf(leaves, field, iter.Val()); err != nil {
			return nil, err
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return leaves, nil
}

// leafAncestors returns ancestors of path stored as scalar leaves. Writing
// below a scalar turns it into a mapping, so those fields must go.
func (s *RedisStore) leafAncestors(ctx context.Context, c hashReader, path store.Path) ([]string, error) {
	var ancestors []string
	for p, ok := path.Parent(); ok && p != store.Root; p, ok = p.Parent() {
		ancestors = append(ancestors, string(p))
	}
	if len(ancestors) == 0 {
		return nil, nil
	}
	found, err := c.HMGet(ctx, s.treeKey, ancestors...).Result()
	if err != nil {
		return nil, err
	}
	var leaves []string
	for i, v := range found {
		if v != nil {
			leaves = append(leaves, ancestors[i])
		}
	}
	return leaves, nil
}

func (s *RedisStore) listen(ch <-chan *redis.Message) {
	defer close(s.done)
	for msg := range ch {
		var change changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			logger.Log.Warn("Ignoring malformed change message",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}
		if change.Origin == s.origin {
			continue
		}
		paths := make([]store.Path, 0, len(change.Paths))
		for _, p := range change.Paths {
			paths = append(paths, store.Path(p))
		}
		s.notifier.Changed(paths...)
	}
}

// storeError classifies a redis failure. Anything that is not a decoding
// problem is treated as the connection failing.
func (s *RedisStore) storeError(op string, path store.Path, err error) error {
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
	field string
	err   error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("corrupt value at %s: %v", e.field, e.err)
}

func (e *decodeError) Unwrap() error {
	return e.err
}

func addLeaf(leaves map[store.Path]any, field, raw string) error {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return &decodeError{field: field, err: err}
	}
	leaves[store.Path(field)] = v
	return nil
}

func globEscape(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}

func pathStrings(paths []store.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}

func joinPaths(paths []store.Path) string {
	return strings.Join(pathStrings(paths), ",")
}
