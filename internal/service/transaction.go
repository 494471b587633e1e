package service

import (
	"context"

	"github.com/google/uuid"
)

// TransactionManager defines the interface for transaction management.
// Services use this to wrap multiple repository operations in a single transaction.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Otherwise, it is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier announces committed work to idle delivery workers.
type Notifier interface {
	IssuePublished(ctx context.Context, issueID uuid.UUID, recipients int) error
}
