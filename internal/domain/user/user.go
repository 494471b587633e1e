package user

import (
	"context"

	"github.com/google/uuid"
)

// Credentials is the stored login of a publisher.
type Credentials struct {
	UserID       uuid.UUID
	Username     string
	PasswordHash string
}

// Repository defines the interface for user lookup
type Repository interface {
	// GetByUsername returns nil, nil when the user does not exist
	GetByUsername(ctx context.Context, username string) (*Credentials, error)
}
