package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// OutboxEnqueuer turns a recipient snapshot into delivery tasks.
// It must be called inside the publish transaction and performs no network I/O.
type OutboxEnqueuer struct {
	tasks   delivery.Repository
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboxEnqueuer(tasks delivery.Repository, logger zerolog.Logger, metrics *observability.Metrics) *OutboxEnqueuer {
	return &OutboxEnqueuer{
		tasks:   tasks,
		logger:  logger.With().Str("component", "outbox_enqueuer").Logger(),
		metrics: metrics,
	}
}

// Enqueue writes one pending task per valid, distinct recipient and returns how many were written.
// Invalid stored addresses and duplicates are logged and skipped.
func (e *OutboxEnqueuer) Enqueue(ctx context.Context, issueID uuid.UUID, recipients []string) (int, error) {
	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(recipients))
	tasks := make([]*delivery.Task, 0, len(recipients))

	for _, raw := range recipients {
		email, err := subscriber.ParseEmail(raw)
		if err != nil {
			e.skip(issueID, raw, "invalid stored email", err)
			continue
		}
		norm := strings.ToLower(email)
		if _, dup := seen[norm]; dup {
			e.skip(issueID, raw, "duplicate recipient", nil)
			continue
		}
		seen[norm] = struct{}{}
		tasks = append(tasks, delivery.NewTask(issueID, email, now))
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	n, err := e.tasks.Enqueue(ctx, tasks)
	if err != nil {
		return 0, fmt.Errorf("enqueue delivery tasks: %w", err)
	}
	if skipped := int64(len(tasks)) - n; skipped > 0 {
		e.logger.Warn().
			Str("issue_id", issueID.String()).
			Int64("skipped", skipped).
			Msg("delivery tasks already queued for issue")
	}
	return int(n), nil
}

func (e *OutboxEnqueuer) skip(issueID uuid.UUID, email, reason string, err error) {
	e.logger.Warn().
		Err(err).
		Str("issue_id", issueID.String()).
		Str("email", email).
		Msg("skipping confirmed subscriber: " + reason)
	if e.metrics != nil {
		e.metrics.RecipientsSkipped.Inc()
	}
}
