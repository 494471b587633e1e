package idempotency

import (
	"context"
	"time"
)

// Store deduplicates mutating requests per (actor, key).
// BeginOrReplay and Complete must run inside the caller's transaction.
type Store interface {
	// BeginOrReplay claims the key for this transaction or returns the saved response.
	// A concurrent holder of the same key blocks the call until it commits or rolls back.
	BeginOrReplay(ctx context.Context, actorID, key string) (*Decision, error)

	// Complete stores the response for a key claimed by BeginOrReplay.
	Complete(ctx context.Context, actorID, key string, resp *SavedResponse) error

	// Purge deletes completed records created before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
