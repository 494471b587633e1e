package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
)

type SubscriberRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriberRepository(pool *pgxpool.Pool) *SubscriberRepository {
	return &SubscriberRepository{pool: pool}
}

func (r *SubscriberRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *SubscriberRepository) Create(ctx context.Context, s *subscriber.Subscriber) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO subscriptions (id, email, name, subscribed_at, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Email, s.Name, s.SubscribedAt, string(s.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domainErrors.ErrSubscriberAlreadyExists
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) StoreToken(ctx context.Context, subscriberID uuid.UUID, token string) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO subscription_tokens (subscription_token, subscriber_id) VALUES ($1, $2)`,
		token, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("store subscription token: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) GetIDByToken(ctx context.Context, token string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db(ctx).QueryRow(ctx,
		`SELECT subscriber_id FROM subscription_tokens WHERE subscription_token = $1`, token,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domainErrors.ErrSubscriptionTokenNotFound
		}
		return uuid.Nil, fmt.Errorf("get subscriber by token: %w", err)
	}
	return id, nil
}

func (r *SubscriberRepository) Confirm(ctx context.Context, subscriberID uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE subscriptions SET status = 'confirmed' WHERE id = $1`, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("confirm subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) ListConfirmed(ctx context.Context) ([]string, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT email FROM subscriptions WHERE status = 'confirmed' ORDER BY subscribed_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
