package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
)

func TestMain(m *testing.M) {
	_ = logger.Initialize("error", "")
	os.Exit(m.Run())
}

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *RedisStore {
	t.Helper()
	rc, err := NewRedisClient(mr.Host(), mr.Port(), "")
	require.NoError(t, err)
	s, err := NewRedisStore(rc, "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = rc.Close()
	})
	return s
}

type recorder struct {
	mu     sync.Mutex
	values []any
	errs   []error
}

func (r *recorder) listen(value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.values = append(r.values, value)
}

func (r *recorder) last() (any, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil, 0
	}
	return r.values[len(r.values)-1], len(r.values)
}

func TestRedisStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	require.NoError(t, s.Write(ctx, "groups/g1", map[string]any{
		"name":    "Algorithms",
		"members": map[string]any{"u1": map[string]any{"role": "owner", "joinedAt": 1}},
	}))

	v, err := s.Read(ctx, "groups/g1/members/u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"role": "owner", "joinedAt": float64(1)}, v)

	v, err = s.Read(ctx, "groups/g1/name")
	require.NoError(t, err)
	assert.Equal(t, "Algorithms", v)

	assert.True(t, mr.Exists("test:tree"))
	assert.Equal(t, `"Algorithms"`, mr.HGet("test:tree", "groups/g1/name"))

	// replacing a subtree drops leaves no longer present
	require.NoError(t, s.Write(ctx, "groups/g1/members", map[string]any{"u2": true}))
	v, err = s.Read(ctx, "groups/g1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":    "Algorithms",
		"members": map[string]any{"u2": true},
	}, v)

	// writing below a scalar replaces it
	require.NoError(t, s.Write(ctx, "groups/g1/name/short", "Algo"))
	v, err = s.Read(ctx, "groups/g1/name")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"short": "Algo"}, v)

	require.NoError(t, s.Write(ctx, "groups", nil))
	v, err = s.Read(ctx, store.Root)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRedisStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	current, swapped, err := s.CompareAndSwap(ctx, "stats/count", nil, 1)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, float64(1), current)

	current, swapped, err = s.CompareAndSwap(ctx, "stats/count", 0, 2)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, float64(1), current)

	current, swapped, err = s.CompareAndSwap(ctx, "stats", map[string]any{"count": 1}, map[string]any{"count": 2, "flag": true})
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, map[string]any{"count": float64(2), "flag": true}, current)
}

func TestRedisStoreUpdate(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr)

	var rec recorder
	_, err := s.Subscribe("solutions/s1", rec.listen)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, map[store.Path]any{
		"solutions/s1/upvotes/u1":  true,
		"solutions/s1/upvoteCount": 1,
	}))
	last, n := rec.last()
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]any{
		"upvotes":     map[string]any{"u1": true},
		"upvoteCount": float64(1),
	}, last)

	err = s.Update(ctx, map[store.Path]any{"a": 1, "a/b": 2})
	assert.Equal(t, apperrors.ErrInvalidPath, apperrors.CodeOf(err))
}

func TestRedisStoreFansOutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	writer := newTestStore(t, mr)
	reader := newTestStore(t, mr)

	var rec recorder
	_, err := reader.Subscribe("groups/g1/scores", rec.listen)
	require.NoError(t, err)

	require.NoError(t, writer.Write(ctx, "groups/g1/scores/u1", 4))

	assert.Eventually(t, func() bool {
		last, _ := rec.last()
		return store.Equal(last, map[string]any{"u1": 4})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreConcurrentCASConverges(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestStore(t, mr)
	b := newTestStore(t, mr)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(s *RedisStore) {
			defer wg.Done()
			current, err := s.Read(ctx, "count")
			if !assert.NoError(t, err) {
				return
			}
			for {
				next := store.AsInt64(current) + 1
				actual, swapped, err := s.CompareAndSwap(ctx, "count", current, next)
				if !assert.NoError(t, err) || swapped {
					return
				}
				current = actual
			}
		}(s)
	}
	wg.Wait()

	v, err := a.Read(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(n), store.AsInt64(v))
}

func TestRedisStoreConnectionLossIsStoreError(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := newTestStore(t, mr)

	mr.Close()
	_, err = s.Read(ctx, "anything")
	require.Error(t, err)
	assert.True(t, apperrors.IsStoreError(err))
	assert.Equal(t, apperrors.ErrNetwork, apperrors.CodeOf(err))
}

func TestRedisStoreCloseEndsSubscriptions(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisClient(mr.Host(), mr.Port(), "")
	require.NoError(t, err)
	defer rc.Close()
	s, err := NewRedisStore(rc, "closing")
	require.NoError(t, err)

	var rec recorder
	_, err = s.Subscribe("a", rec.listen)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, s.Listeners())
	rec.mu.Lock()
	assert.Len(t, rec.errs, 1)
	rec.mu.Unlock()

	_, err = s.Subscribe("a", rec.listen)
	assert.True(t, apperrors.IsStoreError(err))
}
