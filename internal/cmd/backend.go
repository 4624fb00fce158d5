package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/zfogg/livecache/internal/cache"
	"github.com/zfogg/livecache/internal/config"
	"github.com/zfogg/livecache/internal/counter"
	"github.com/zfogg/livecache/internal/database"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"go.uber.org/zap"
)

// backend is a live store with everything built on top of it
type backend struct {
	store   store.LiveStore
	counter *counter.Counter
	forum   *forum.Service
	reg     *registry.Registry
	redis   *cache.RedisClient

	health  map[string]func(ctx context.Context) error
	closers []func() error
}

// openBackend connects the configured store driver
func openBackend(cfg *config.Config) (*backend, error) {
	b := &backend{health: make(map[string]func(ctx context.Context) error)}

	switch cfg.Store.Driver {
	case "memory":
		b.store = store.NewMemoryStore()

	case "redis":
		rc, err := cache.NewRedisClient(cfg.Store.RedisHost, cfg.Store.RedisPort, cfg.Store.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.redis = rc
		b.closers = append(b.closers, rc.Close)
		b.health["redis"] = rc.Ping

		rs, err := cache.NewRedisStore(rc, cfg.Store.Namespace)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store = rs
		b.closers = append(b.closers, rs.Close)

	case "sqlite", "postgres":
		if err := database.Initialize(database.Config{
			Driver: cfg.Store.Driver,
			DSN:    cfg.Store.DSN,
			Debug:  cfg.Store.Debug,
		}); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, database.Close)
		b.health["database"] = func(context.Context) error { return database.Health() }

		ss, err := database.NewSQLStore(database.DB, cfg.Store.PollInterval)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store = ss
		b.closers = append(b.closers, ss.Close)

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	b.counter = counter.New(b.store, cfg.Policy())
	b.forum = forum.NewService(b.store, b.counter, cfg.UpvoteMode())
	b.reg = registry.New(b.store)
	registry.SetDefault(b.reg)

	logger.Log.Info("Live store ready",
		zap.String("driver", cfg.Store.Driver),
		zap.String("upvote_mode", string(cfg.UpvoteMode())),
		zap.Int("max_retries", cfg.Counter.MaxRetries),
	)
	return b, nil
}

// Close shuts the registry and the store's connections down, newest first
func (b *backend) Close() error {
	if b.reg != nil {
		if registry.Default() == b.reg {
			registry.SetDefault(nil)
		}
		b.reg.Close()
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
