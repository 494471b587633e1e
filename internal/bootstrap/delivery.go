package bootstrap

import (
	"context"
	"fmt"
	"time"

	infraRedis "github.com/kaftw/newsletter/internal/infrastructure/redis"
	"github.com/kaftw/newsletter/internal/providers"
	"github.com/kaftw/newsletter/internal/repository/postgres"
	"github.com/kaftw/newsletter/internal/service"
	"github.com/kaftw/newsletter/internal/worker"
	"github.com/kaftw/newsletter/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// Channel builds the configured delivery channel behind its circuit breaker.
func (a *App) Channel(ctx context.Context) (*providers.BreakerChannel, error) {
	channel, err := providers.NewChannel(ctx, a.Config.Email, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create %s channel: %w", a.Config.Email.Channel, err)
	}
	a.Logger.Info().Str("channel", channel.Name()).Msg("Delivery channel ready")
	return channel, nil
}

// Notifier announces published issues on the Redis stream, or returns nil
// when Redis is disabled.
func (a *App) Notifier() service.Notifier {
	if a.Redis == nil {
		return nil
	}
	return infraRedis.NewStreamNotifier(a.Redis)
}

// DeliveryWorkers builds delivery.workers workers sharing one channel. Each worker
// gets its own stream waiter so wake-ups are not split between them.
func (a *App) DeliveryWorkers(channel providers.Channel) []*worker.DeliveryWorker {
	cfg := a.Config.Delivery
	tasks := postgres.NewDeliveryRepository(a.Pool)
	txManager := postgres.NewTxManager(a.Pool)

	opts := worker.Options{
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		MaxAttempts:     cfg.MaxAttempts,
		DispatchTimeout: cfg.DispatchTimeout,
		Backoff:         retry.Exponential(cfg.BackoffBase, cfg.BackoffFactor, cfg.BackoffMax),
	}

	n := max(cfg.Workers, 1)
	workers := make([]*worker.DeliveryWorker, 0, n)
	for i := range n {
		var waiter worker.Waiter
		if cfg.WakeOnPublish && a.Redis != nil {
			waiter = infraRedis.NewStreamWaiter(a.Redis, a.Logger)
		}
		id := fmt.Sprintf("%s-%d", a.Config.InstanceID, i)
		workers = append(workers, worker.NewDeliveryWorker(id, tasks, txManager, channel, waiter, opts, a.Metrics, a.Logger))
	}
	return workers
}

// IdempotencyPurger builds the retention job. Instances coordinate through a Redis
// lock when Redis is configured.
func (a *App) IdempotencyPurger() *worker.IdempotencyPurger {
	var newLock worker.LockFactory
	if a.Redis != nil {
		newLock = func(key string, ttl time.Duration) worker.Lock {
			return infraRedis.NewDistributedLock(a.Redis, key, ttl)
		}
	}
	return worker.NewIdempotencyPurger(
		postgres.NewIdempotencyRepository(a.Pool),
		a.Config.Idempotency.Retention,
		newLock,
		a.Config.Idempotency.PurgeLockTTL,
		a.Metrics,
		a.Logger,
	)
}

// GoDeliveryWorkers starts every worker in g.
func GoDeliveryWorkers(ctx context.Context, g *errgroup.Group, workers []*worker.DeliveryWorker) {
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
}
