package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/kaftw/newsletter/internal/providers"
	"github.com/kaftw/newsletter/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// TransactionManager runs fn in a database transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Options tunes a DeliveryWorker. Zero values fall back to defaults.
type Options struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxAttempts     int
	DispatchTimeout time.Duration
	Backoff         retry.Backoff
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 15 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = retry.Exponential(30*time.Second, 2, time.Hour)
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// DeliveryWorker drains the delivery queue. Any number of workers may run against
// the same database; SKIP LOCKED claims keep them from sending the same task twice
// concurrently. Delivery is at-least-once: a crash between a successful send and the
// commit sends that email again. Outcomes commit per batch, so a store error on one task
// also resends the tasks delivered before it in the same batch.
type DeliveryWorker struct {
	id        string
	tasks     delivery.Repository
	txManager TransactionManager
	channel   providers.Channel
	waiter    Waiter
	opts      Options
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewDeliveryWorker creates a worker. A nil waiter sleeps the poll interval; metrics may be nil.
func NewDeliveryWorker(
	id string,
	tasks delivery.Repository,
	txManager TransactionManager,
	channel providers.Channel,
	waiter Waiter,
	opts Options,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeliveryWorker {
	if waiter == nil {
		waiter = SleepWaiter{}
	}
	return &DeliveryWorker{
		id:        id,
		tasks:     tasks,
		txManager: txManager,
		channel:   channel,
		waiter:    waiter,
		opts:      opts.withDefaults(),
		metrics:   metrics,
		logger:    logger.With().Str("component", "delivery_worker").Str("worker_id", id).Logger(),
	}
}

// Run processes cycles until ctx is cancelled. Cancellation is observed between cycles
// only: a started cycle always finishes its transaction. Returns nil on stop.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("batch_size", w.opts.BatchSize).
		Dur("poll_interval", w.opts.PollInterval).
		Int("max_attempts", w.opts.MaxAttempts).
		Msg("Delivery worker started")

	if s, ok := w.waiter.(Starter); ok {
		if err := s.Start(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Waiter start failed, resolving on first wait")
		}
	}

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Delivery worker stopped")
			return nil
		}

		n, err := w.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.Error().Err(err).Msg("Delivery cycle failed")
		}
		if err == nil && n > 0 {
			continue
		}

		if err := w.waiter.Wait(ctx, w.opts.PollInterval); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Idle wait failed")
		}
	}
}

// RunOnce claims one batch, dispatches it and resolves every task in a single
// transaction. It returns the number of tasks resolved.
func (w *DeliveryWorker) RunOnce(ctx context.Context) (int, error) {
	ctx, span := observability.Tracer().Start(ctx, "delivery.cycle")
	defer span.End()

	processed := 0
	err := w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		claimed, err := w.tasks.Claim(txCtx, w.opts.BatchSize, w.opts.Now())
		if err != nil {
			return fmt.Errorf("claim delivery tasks: %w", err)
		}
		for _, ct := range claimed {
			if err := w.deliver(txCtx, ct); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		w.observeCycle("error", 0)
		return 0, err
	}

	span.SetAttributes(attribute.Int("delivery.tasks", processed))
	if processed == 0 {
		w.observeCycle("idle", 0)
	} else {
		w.observeCycle("processed", processed)
	}
	return processed, nil
}

// deliver sends one claimed task and records the outcome in the open transaction.
func (w *DeliveryWorker) deliver(ctx context.Context, ct *delivery.ClaimedTask) error {
	task := ct.Task
	attempt := task.Attempt()
	log := w.logger.With().
		Str("task_id", task.ID.String()).
		Str("issue_id", task.IssueID.String()).
		Int("attempt", attempt).
		Logger()

	sendCtx, cancel := context.WithTimeout(ctx, w.opts.DispatchTimeout)
	start := time.Now()
	sendErr := w.channel.Send(sendCtx, renderEmail(ct))
	cancel()
	if w.metrics != nil {
		w.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case sendErr == nil:
		if err := w.tasks.Delete(ctx, task.ID); err != nil {
			return fmt.Errorf("delete delivered task %s: %w", task.ID, err)
		}
		log.Debug().Msg("Email delivered")
		w.observeOutcome("delivered")

	case errors.Is(sendErr, domainErrors.ErrChannelUnavailable):
		// the breaker rejected the send before it reached the provider
		next := w.opts.Now().Add(w.opts.Backoff(attempt))
		if err := w.tasks.Reschedule(ctx, task.ID, task.RetryCount, next, sendErr.Error()); err != nil {
			return fmt.Errorf("defer task %s: %w", task.ID, err)
		}
		log.Warn().Err(sendErr).Time("next_attempt_at", next).Msg("Channel unavailable, delivery deferred")
		w.observeOutcome("deferred")

	case domainErrors.IsTransient(sendErr) && attempt < w.opts.MaxAttempts:
		next := w.opts.Now().Add(w.opts.Backoff(attempt))
		if err := w.tasks.Reschedule(ctx, task.ID, task.RetryCount+1, next, sendErr.Error()); err != nil {
			return fmt.Errorf("reschedule task %s: %w", task.ID, err)
		}
		log.Warn().Err(sendErr).Time("next_attempt_at", next).Msg("Delivery failed, retry scheduled")
		w.observeOutcome("retried")

	default:
		reason := "terminal"
		if !domainErrors.IsTerminal(sendErr) {
			reason = "exhausted"
		}
		dl := delivery.NewDeadLetter(task, sendErr.Error(), w.opts.Now())
		if err := w.tasks.DeadLetter(ctx, dl); err != nil {
			return fmt.Errorf("dead-letter task %s: %w", task.ID, err)
		}
		log.Error().Err(sendErr).Str("reason", reason).Msg("Delivery abandoned, task dead-lettered")
		w.observeOutcome("dead_lettered")
		if w.metrics != nil {
			w.metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
		}
	}
	return nil
}

func renderEmail(ct *delivery.ClaimedTask) providers.Email {
	return providers.Email{
		To:       ct.Task.SubscriberEmail,
		Subject:  ct.Issue.Title,
		HTMLBody: ct.Issue.HTMLContent,
		TextBody: ct.Issue.TextContent,
	}
}

func (w *DeliveryWorker) observeOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

func (w *DeliveryWorker) observeCycle(result string, tasks int) {
	if w.metrics == nil {
		return
	}
	w.metrics.WorkerCycles.WithLabelValues(result).Inc()
	if tasks > 0 {
		w.metrics.WorkerCycleTasks.Observe(float64(tasks))
	}
}
