package newsletter

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for newsletter issue persistence
type Repository interface {
	// Create stores a new issue (inside the publish transaction)
	Create(ctx context.Context, issue *Issue) error

	// GetByID retrieves an issue, returning errors.ErrIssueNotFound when absent
	GetByID(ctx context.Context, id uuid.UUID) (*Issue, error)
}
