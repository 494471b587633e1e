package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	IssueID *uuid.UUID
	Limit   int
}

// Repository is the delivery task queue plus its dead-letter trail.
type Repository interface {
	// Enqueue inserts tasks, skipping (issue, email) pairs that already exist.
	// Returns the number of rows inserted.
	Enqueue(ctx context.Context, tasks []*Task) (int64, error)

	// Claim locks up to limit pending tasks due at now, skipping rows locked by other workers.
	// Must run inside a transaction; locks are held until it ends.
	Claim(ctx context.Context, limit int, now time.Time) ([]*ClaimedTask, error)

	// Delete removes a delivered task
	Delete(ctx context.Context, id uuid.UUID) error

	// Reschedule stores the retry count and the next eligible time
	Reschedule(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string) error

	// DeadLetter writes the dead-letter record and deletes the task
	DeadLetter(ctx context.Context, dl *DeadLetter) error

	// CountPending returns the number of tasks left for an issue
	CountPending(ctx context.Context, issueID uuid.UUID) (int64, error)

	// CountDeadLetters returns the number of dead letters for an issue
	CountDeadLetters(ctx context.Context, issueID uuid.UUID) (int64, error)

	// ListDeadLetters returns dead letters, newest first
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error)
}
