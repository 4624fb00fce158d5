// Package counter applies optimistic read-modify-write updates to store
// paths. A delta is a pure function of the current value; it may run several
// times when other writers race, and only the result computed from the value
// actually replaced is ever stored.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/metrics"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/telemetry"
	"go.uber.org/zap"
)

// Delta computes the next value from the current one
type Delta func(current any) (any, error)

// Abort is returned by a delta to stop the transaction without writing
var Abort = apperrors.ErrTransactionAborted

// Policy bounds the retry loop. MaxRetries zero means unlimited.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy retries 32 times with exponential backoff from 1ms to 100ms
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     32,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2,
	}
}

// Unbounded retries until the swap lands, without waiting between attempts
func Unbounded() Policy {
	return Policy{}
}

func (p Policy) backOff() backoff.BackOff {
	if p.InitialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// Counter runs transactions against one store
type Counter struct {
	store  store.LiveStore
	policy Policy
}

// New creates a counter on s
func New(s store.LiveStore, policy Policy) *Counter {
	return &Counter{store: s, policy: policy}
}

// Policy returns the retry policy in use
func (c *Counter) Policy() Policy {
	return c.policy
}

// Apply replaces the value at path with delta(current), retrying on
// conflict with the value the store reported. It returns the value written.
func (c *Counter) Apply(ctx context.Context, path store.Path, delta Delta) (any, error) {
	ctx, span := telemetry.TraceTransaction(ctx, string(path))
	defer span.End()

	m := metrics.Get()
	start := time.Now()
	bo := c.policy.backOff()

	current, err := c.store.Read(ctx, path)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	for attempt := 1; ; attempt++ {
		next, err := delta(current)
		if err != nil {
			telemetry.RecordAttempts(span, attempt, false)
			if !errors.Is(err, Abort) {
				telemetry.RecordError(span, err)
			}
			return current, err
		}

		actual, swapped, err := c.store.CompareAndSwap(ctx, path, current, next)
		if err != nil {
			m.CASAttemptsTotal.WithLabelValues("error").Inc()
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("compare-and-swap %s: %w", path, err)
		}
		if swapped {
			m.CASAttemptsTotal.WithLabelValues("applied").Inc()
			m.CASDuration.Observe(time.Since(start).Seconds())
			telemetry.RecordAttempts(span, attempt, true)
			telemetry.RecordSuccess(span)
			return actual, nil
		}

		m.CASAttemptsTotal.WithLabelValues("conflict").Inc()
		current = actual

		if c.policy.MaxRetries > 0 && attempt > c.policy.MaxRetries {
			logger.Log.Warn("Transaction gave up after conflicts",
				logger.WithPath(string(path)),
				logger.WithAttempts(attempt),
			)
			telemetry.RecordAttempts(span, attempt, false)
			telemetry.RecordError(span, apperrors.ErrRetriesExhausted)
			return current, apperrors.ErrRetriesExhausted
		}

		if err := wait(ctx, bo.NextBackOff()); err != nil {
			telemetry.RecordError(span, err)
			return current, err
		}
		logger.Log.Debug("Retrying transaction",
			logger.WithPath(string(path)),
			logger.WithAttempts(attempt),
			zap.Int("next_attempt", attempt+1),
		)
	}
}

// Increment adds n to the number at path and returns the new total.
// An absent value counts as zero.
func (c *Counter) Increment(ctx context.Context, path store.Path, n int64) (int64, error) {
	v, err := c.Apply(ctx, path, func(current any) (any, error) {
		return store.AsInt64(current) + n, nil
	})
	if err != nil {
		return 0, err
	}
	return store.AsInt64(v), nil
}

// Toggle flips the flag at path. A set flag is removed; an absent or false
// flag becomes true. It returns the new state.
func (c *Counter) Toggle(ctx context.Context, path store.Path) (bool, error) {
	v, err := c.Apply(ctx, path, func(current any) (any, error) {
		if store.AsBool(current) {
			return nil, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return store.AsBool(v), nil
}

func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
