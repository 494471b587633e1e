package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// NewsletterService publishes issues and reports on their delivery.
type NewsletterService struct {
	issues      newsletter.Repository
	subscribers subscriber.Repository
	tasks       delivery.Repository
	idempotency idempotency.Store
	enqueuer    *OutboxEnqueuer
	txManager   TransactionManager
	notifier    Notifier
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// NewNewsletterService creates a new NewsletterService. notifier and metrics may be nil.
func NewNewsletterService(
	issues newsletter.Repository,
	subscribers subscriber.Repository,
	tasks delivery.Repository,
	idempotencyStore idempotency.Store,
	enqueuer *OutboxEnqueuer,
	txManager TransactionManager,
	notifier Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *NewsletterService {
	return &NewsletterService{
		issues:      issues,
		subscribers: subscribers,
		tasks:       tasks,
		idempotency: idempotencyStore,
		enqueuer:    enqueuer,
		txManager:   txManager,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger.With().Str("component", "newsletter_service").Logger(),
	}
}

// Publish stores the issue and enqueues one delivery task per confirmed subscriber, all in
// the transaction that claims the idempotency key. A repeated key returns the saved response.
func (s *NewsletterService) Publish(ctx context.Context, in PublishInput) (*PublishResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "newsletter.publish")
	defer span.End()

	issue, err := newsletter.NewIssue(in.Title, in.HTMLContent, in.TextContent)
	if err != nil {
		return nil, err
	}

	key := in.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(in.ActorID, in.Title, in.HTMLContent, in.TextContent)
	} else if err := idempotency.ValidateKey(key); err != nil {
		return nil, err
	}

	var result *PublishResult
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		decision, err := s.idempotency.BeginOrReplay(txCtx, in.ActorID, key)
		if err != nil {
			return fmt.Errorf("begin idempotent publish: %w", err)
		}
		if decision.Action == idempotency.ActionReplay {
			result = &PublishResult{Response: decision.Response, Replayed: true}
			return nil
		}

		if err := s.issues.Create(txCtx, issue); err != nil {
			return fmt.Errorf("store issue: %w", err)
		}

		recipients, err := s.subscribers.ListConfirmed(txCtx)
		if err != nil {
			return fmt.Errorf("list confirmed subscribers: %w", err)
		}

		n, err := s.enqueuer.Enqueue(txCtx, issue.ID, recipients)
		if err != nil {
			return err
		}

		resp, err := acceptedResponse(issue.ID, n)
		if err != nil {
			return err
		}
		if err := s.idempotency.Complete(txCtx, in.ActorID, key, resp); err != nil {
			return fmt.Errorf("complete idempotent publish: %w", err)
		}

		result = &PublishResult{IssueID: issue.ID, Recipients: n, Response: resp}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(err)
		return nil, err
	}

	if result.Replayed {
		span.SetAttributes(attribute.Bool("publish.replayed", true))
		if s.metrics != nil {
			s.metrics.PublishReplays.Inc()
		}
		return result, nil
	}

	span.SetAttributes(
		attribute.String("issue.id", result.IssueID.String()),
		attribute.Int("issue.recipients", result.Recipients),
	)
	if s.metrics != nil {
		s.metrics.IssuesPublished.Inc()
		s.metrics.TasksEnqueued.Add(float64(result.Recipients))
	}
	s.logger.Info().
		Str("issue_id", result.IssueID.String()).
		Str("actor_id", in.ActorID).
		Int("recipients", result.Recipients).
		Msg("newsletter issue accepted")

	if s.notifier != nil && result.Recipients > 0 {
		if err := s.notifier.IssuePublished(ctx, result.IssueID, result.Recipients); err != nil {
			s.logger.Warn().Err(err).Str("issue_id", result.IssueID.String()).Msg("failed to notify delivery workers")
		}
	}
	return result, nil
}

func (s *NewsletterService) recordFailure(err error) {
	if s.metrics == nil {
		return
	}
	reason := "store"
	switch {
	case errors.Is(err, domainErrors.ErrIdempotencyInProgress):
		reason = "in_progress"
	case errors.Is(err, domainErrors.ErrValidationFailed):
		reason = "validation"
	}
	s.metrics.PublishFailures.WithLabelValues(reason).Inc()
}

// acceptedResponse builds the response saved with the idempotency key.
func acceptedResponse(issueID uuid.UUID, recipients int) (*idempotency.SavedResponse, error) {
	body, err := json.Marshal(AcceptedBody{
		IssueID:    issueID.String(),
		Status:     "accepted",
		Recipients: recipients,
		Message:    AcceptedMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("encode accepted response: %w", err)
	}

	return &idempotency.SavedResponse{
		StatusCode: http.StatusAccepted,
		Headers: []idempotency.HeaderPair{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Location", Value: "/api/v1/newsletters/" + issueID.String()},
		},
		Body: body,
	}, nil
}

// GetIssue returns an issue with its pending and dead-lettered task counts.
func (s *NewsletterService) GetIssue(ctx context.Context, id uuid.UUID) (*IssueStatus, error) {
	issue, err := s.issues.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.tasks.CountPending(ctx, id)
	if err != nil {
		return nil, err
	}
	dead, err := s.tasks.CountDeadLetters(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IssueStatus{Issue: issue, Pending: pending, DeadLetters: dead}, nil
}

// ListDeadLetters returns the dead-letter audit trail.
func (s *NewsletterService) ListDeadLetters(ctx context.Context, filter delivery.DeadLetterFilter) ([]*delivery.DeadLetter, error) {
	return s.tasks.ListDeadLetters(ctx, filter)
}
