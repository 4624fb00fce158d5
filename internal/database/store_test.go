package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	_ = logger.Initialize("error", "")
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, interval time.Duration) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(db, interval)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
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

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil
	}
	return r.values[len(r.values)-1]
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestSQLStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, setupTestDB(t), 0)

	require.NoError(t, s.Write(ctx, "groups/g_1", map[string]any{
		"name":    "Algorithms",
		"members": map[string]any{"u1": map[string]any{"role": "owner"}},
	}))
	require.NoError(t, s.Write(ctx, "groups/g11/name", "Other"))

	v, err := s.Read(ctx, "groups/g_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":    "Algorithms",
		"members": map[string]any{"u1": map[string]any{"role": "owner"}},
	}, v)

	// writing below a scalar replaces it
	require.NoError(t, s.Write(ctx, "groups/g_1/name/short", "Algo"))
	v, err = s.Read(ctx, "groups/g_1/name")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"short": "Algo"}, v)

	require.NoError(t, s.Write(ctx, "groups/g_1", nil))
	v, err = s.Read(ctx, "groups")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"g11": map[string]any{"name": "Other"}}, v)

	require.NoError(t, s.Write(ctx, store.Root, nil))
	v, err = s.Read(ctx, store.Root)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := newTestStore(t, db, 0)

	current, swapped, err := s.CompareAndSwap(ctx, "stats/count", nil, 1)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, float64(1), current)

	current, swapped, err = s.CompareAndSwap(ctx, "stats/count", nil, 2)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, float64(1), current)

	var rev Revision
	require.NoError(t, db.First(&rev, "name = ?", treeName).Error)
	assert.Equal(t, int64(1), rev.Rev)
}

func TestSQLStoreConcurrentCASConverges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, setupTestDB(t), 0)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			current, err := s.Read(ctx, "count")
			if !assert.NoError(t, err) {
				return
			}
			for {
				actual, swapped, err := s.CompareAndSwap(ctx, "count", current, store.AsInt64(current)+1)
				if !assert.NoError(t, err) || swapped {
					return
				}
				current = actual
			}
		}()
	}
	wg.Wait()

	v, err := s.Read(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(n), store.AsInt64(v))
}

func TestSQLStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, setupTestDB(t), 0)

	var rec recorder
	unsubscribe, err := s.Subscribe("solutions/s1", rec.listen)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, map[store.Path]any{
		"solutions/s1/upvotes/u1":  true,
		"solutions/s1/upvoteCount": 1,
	}))
	assert.Equal(t, map[string]any{
		"upvotes":     map[string]any{"u1": true},
		"upvoteCount": float64(1),
	}, rec.last())

	unsubscribe()
	assert.Zero(t, s.Listeners())
}

func TestSQLStorePollsForeignCommits(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	writer := newTestStore(t, db, 0)
	reader := newTestStore(t, db, 10*time.Millisecond)

	var rec recorder
	_, err := reader.Subscribe("groups/g1/scores", rec.listen)
	require.NoError(t, err)

	require.NoError(t, writer.Write(ctx, "groups/g1/scores/u1", 3))

	assert.Eventually(t, func() bool {
		return store.Equal(rec.last(), map[string]any{"u1": 3})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSQLStoreCloseEndsSubscriptions(t *testing.T) {
	s, err := NewSQLStore(setupTestDB(t), 5*time.Millisecond)
	require.NoError(t, err)

	var rec recorder
	_, err = s.Subscribe("a", rec.listen)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	rec.mu.Lock()
	require.Len(t, rec.errs, 1)
	assert.True(t, apperrors.IsStoreError(rec.errs[0]))
	rec.mu.Unlock()

	_, err = s.Subscribe("a", rec.listen)
	assert.Error(t, err)
}

func TestSQLStoreClosedDatabaseIsStoreError(t *testing.T) {
	db := setupTestDB(t)
	s := newTestStore(t, db, 0)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.Read(context.Background(), "a")
	assert.True(t, apperrors.IsStoreError(err))
	assert.Equal(t, apperrors.ErrNetwork, apperrors.CodeOf(err))
}

func TestSQLStoreSubtreeIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, setupTestDB(t), 0)

	require.NoError(t, s.Write(ctx, "users/Ab/name", "upper"))
	require.NoError(t, s.Write(ctx, "users/ab/name", "lower"))

	v, err := s.Read(ctx, "users/ab")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "lower"}, v)
}

func TestLikePrefixEscapes(t *testing.T) {
	assert.Equal(t, `groups/g\_1/%`, likePrefix("groups/g_1"))
	assert.Equal(t, `a\%b/%`, likePrefix("a%b"))
}

func TestInitializeAndHealth(t *testing.T) {
	prev := DB
	defer func() { DB = prev }()

	DB = nil
	assert.Error(t, Health())
	assert.NoError(t, Close())

	require.NoError(t, Initialize(Config{Driver: "sqlite", DSN: ":memory:"}))
	assert.NoError(t, Health())
	assert.NoError(t, Close())
}
