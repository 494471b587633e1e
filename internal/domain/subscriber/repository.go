package subscriber

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for subscription persistence
type Repository interface {
	// Create inserts a pending subscriber; returns errors.ErrSubscriberAlreadyExists on duplicate email
	Create(ctx context.Context, s *Subscriber) error

	// StoreToken associates a confirmation token with a subscriber
	StoreToken(ctx context.Context, subscriberID uuid.UUID, token string) error

	// GetIDByToken resolves a token, returning errors.ErrSubscriptionTokenNotFound when unknown
	GetIDByToken(ctx context.Context, token string) (uuid.UUID, error)

	// Confirm marks a subscriber as confirmed
	Confirm(ctx context.Context, subscriberID uuid.UUID) error

	// ListConfirmed returns the addresses of all confirmed subscribers.
	// Stored values are returned as-is; callers validate them.
	ListConfirmed(ctx context.Context) ([]string, error)
}
