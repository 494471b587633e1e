package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
	"github.com/kaftw/newsletter/internal/providers"
	"github.com/rs/zerolog"
)

// SubscriptionService handles sign-up and confirmation.
type SubscriptionService struct {
	subscribers subscriber.Repository
	txManager   TransactionManager
	channel     providers.Channel
	baseURL     string
	logger      zerolog.Logger
}

func NewSubscriptionService(
	subscribers subscriber.Repository,
	txManager TransactionManager,
	channel providers.Channel,
	baseURL string,
	logger zerolog.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		subscribers: subscribers,
		txManager:   txManager,
		channel:     channel,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger.With().Str("component", "subscription_service").Logger(),
	}
}

// Subscribe stores a pending subscriber with a confirmation token and emails the confirmation
// link. A failed send rolls the subscription back so the caller can retry.
func (s *SubscriptionService) Subscribe(ctx context.Context, name, email string) (*subscriber.Subscriber, error) {
	sub, err := subscriber.NewSubscriber(name, email)
	if err != nil {
		return nil, err
	}
	token := subscriber.NewToken()

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.subscribers.Create(txCtx, sub); err != nil {
			return err
		}
		if err := s.subscribers.StoreToken(txCtx, sub.ID, token); err != nil {
			return fmt.Errorf("store subscription token: %w", err)
		}
		if err := s.channel.Send(txCtx, s.confirmationEmail(sub, token)); err != nil {
			return fmt.Errorf("send confirmation email: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("subscriber_id", sub.ID.String()).Msg("subscriber pending confirmation")
	return sub, nil
}

// Confirm marks the subscriber owning token as confirmed.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	if !subscriber.ValidToken(token) {
		return errors.NewValidationError("subscription_token", "malformed token")
	}

	id, err := s.subscribers.GetIDByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.subscribers.Confirm(ctx, id); err != nil {
		return fmt.Errorf("confirm subscriber: %w", err)
	}

	s.logger.Info().Str("subscriber_id", id.String()).Msg("subscriber confirmed")
	return nil
}

func (s *SubscriptionService) confirmationEmail(sub *subscriber.Subscriber, token string) providers.Email {
	link := s.baseURL + "/subscriptions/confirm?subscription_token=" + token
	return providers.Email{
		To:      sub.Email,
		Subject: "Welcome!",
		HTMLBody: fmt.Sprintf(
			"Welcome to our newsletter!<br />Click <a href=\"%s\">here</a> to confirm your subscription.", link),
		TextBody: fmt.Sprintf(
			"Welcome to our newsletter!\nVisit %s to confirm your subscription.", link),
	}
}
