package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// IssueStream carries "issue published" hints to idle delivery workers.
// The delivery queue table stays the source of truth.
const IssueStream = "newsletter:issues"

const issueStreamMaxLen = 1000

// StreamNotifier announces committed issues on IssueStream.
type StreamNotifier struct {
	client *redis.Client
	stream string
}

func NewStreamNotifier(client *redis.Client) *StreamNotifier {
	return &StreamNotifier{client: client, stream: IssueStream}
}

func (n *StreamNotifier) IssuePublished(ctx context.Context, issueID uuid.UUID, recipients int) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: issueStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"issue_id":     issueID.String(),
			"recipients":   recipients,
			"published_at": time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish issue notification: %w", err)
	}
	return nil
}

// StreamWaiter blocks an idle worker on IssueStream. Each worker needs its own waiter;
// announcements made while the worker was busy end the next wait immediately.
type StreamWaiter struct {
	client *redis.Client
	stream string
	lastID string
	logger zerolog.Logger
}

func NewStreamWaiter(client *redis.Client, logger zerolog.Logger) *StreamWaiter {
	return &StreamWaiter{
		client: client,
		stream: IssueStream,
		logger: logger,
	}
}

// Start records the current end of the stream. Called before the worker's first cycle,
// it keeps announcements made during that cycle from being missed.
func (w *StreamWaiter) Start(ctx context.Context) error {
	return w.resolveStart(ctx)
}

// Wait returns after an announcement, after d, or with ctx.Err() once ctx is done.
// Redis failures degrade to a plain sleep.
func (w *StreamWaiter) Wait(ctx context.Context, d time.Duration) error {
	if w.lastID == "" {
		if err := w.resolveStart(ctx); err != nil {
			return w.sleep(ctx, d, err)
		}
	}

	streams, err := w.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{w.stream, w.lastID},
		Count:   100,
		Block:   d,
	}).Result()
	switch {
	case err == nil:
		for _, s := range streams {
			if n := len(s.Messages); n > 0 {
				w.lastID = s.Messages[n-1].ID
			}
		}
		return nil
	case errors.Is(err, redis.Nil):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	return w.sleep(ctx, d, err)
}

// resolveStart positions the waiter after the newest existing entry.
func (w *StreamWaiter) resolveStart(ctx context.Context) error {
	msgs, err := w.client.XRevRangeN(ctx, w.stream, "+", "-", 1).Result()
	if err != nil {
		return err
	}
	w.lastID = "0"
	if len(msgs) > 0 {
		w.lastID = msgs[0].ID
	}
	return nil
}

func (w *StreamWaiter) sleep(ctx context.Context, d time.Duration, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.logger.Warn().Err(cause).Msg("issue stream unavailable, sleeping")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
