package worker

import (
	"context"
	"time"
)

// Waiter pauses an idle worker. Wait returns early when new work may exist and
// returns ctx.Err() once ctx is done.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Starter is implemented by waiters that must record a read position before the
// worker's first cycle.
type Starter interface {
	Start(ctx context.Context) error
}

// SleepWaiter waits the full interval.
type SleepWaiter struct{}

func (SleepWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
