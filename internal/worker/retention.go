package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const purgeLockKey = "idempotency:purge"

// Lock is a non-blocking lease shared by all instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory creates a lock for key held for at most ttl.
type LockFactory func(key string, ttl time.Duration) Lock

// IdempotencyPurger deletes completed idempotency keys past their retention.
type IdempotencyPurger struct {
	store     idempotency.Store
	retention time.Duration
	newLock   LockFactory
	lockTTL   time.Duration
	now       func() time.Time
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewIdempotencyPurger creates a purger. A nil newLock purges without coordination;
// a zero retention disables purging.
func NewIdempotencyPurger(
	store idempotency.Store,
	retention time.Duration,
	newLock LockFactory,
	lockTTL time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *IdempotencyPurger {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &IdempotencyPurger{
		store:     store,
		retention: retention,
		newLock:   newLock,
		lockTTL:   lockTTL,
		now:       func() time.Time { return time.Now().UTC() },
		metrics:   metrics,
		logger:    logger.With().Str("component", "idempotency_purger").Logger(),
	}
}

// PurgeOnce runs one purge unless another instance holds the purge lock.
func (p *IdempotencyPurger) PurgeOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	if p.newLock != nil {
		lock := p.newLock(purgeLockKey, p.lockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		if !acquired {
			p.logger.Debug().Msg("Purge already running elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to release purge lock")
			}
		}()
	}

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IdempotencyKeysPurged.Add(float64(n))
	}
	p.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Idempotency keys purged")
	return n, nil
}

// Run purges on schedule (standard cron spec or descriptors such as "@every 1h")
// until ctx is cancelled, then waits for a running purge to finish.
func (p *IdempotencyPurger) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := p.PurgeOnce(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Idempotency purge failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}

	c.Start()
	p.logger.Info().Str("schedule", schedule).Dur("retention", p.retention).Msg("Idempotency purger started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
