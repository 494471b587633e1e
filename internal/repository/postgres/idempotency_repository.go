package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
)

// IdempotencyRepository implements idempotency.Store on the idempotency table.
//
// BeginOrReplay inserts the in-progress row with ON CONFLICT DO NOTHING. If another
// transaction holds an uncommitted row for the same key, PostgreSQL makes the insert wait
// for it: after a commit the insert becomes a no-op and the completed row is read back,
// after a rollback the insert succeeds and this caller proceeds.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *IdempotencyRepository) BeginOrReplay(ctx context.Context, actorID, key string) (*idempotency.Decision, error) {
	if !InTransaction(ctx) {
		return nil, domainErrors.ErrTransactionRequired
	}

	// A second pass covers a completed row purged between the insert and the read.
	for range 2 {
		tag, err := r.db(ctx).Exec(ctx,
			`INSERT INTO idempotency (user_id, idempotency_key, state, created_at)
			 VALUES ($1, $2, 'in_progress', NOW())
			 ON CONFLICT DO NOTHING`,
			actorID, key,
		)
		if err != nil {
			return nil, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return idempotency.Proceed(), nil
		}

		rec, err := r.Get(ctx, actorID, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if rec.State == idempotency.StateCompleted {
			return idempotency.Replay(rec.Response), nil
		}
		return nil, domainErrors.ErrIdempotencyInProgress
	}

	return nil, fmt.Errorf("resolve idempotency key %q: record disappeared during conflict", key)
}

func (r *IdempotencyRepository) Complete(ctx context.Context, actorID, key string, resp *idempotency.SavedResponse) error {
	if !InTransaction(ctx) {
		return domainErrors.ErrTransactionRequired
	}

	headers := resp.Headers
	if headers == nil {
		headers = []idempotency.HeaderPair{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE idempotency
		 SET state = 'completed',
		     response_status_code = $3,
		     response_headers = $4,
		     response_body = $5,
		     completed_at = NOW()
		 WHERE user_id = $1 AND idempotency_key = $2 AND state = 'in_progress'`,
		actorID, key, resp.StatusCode, string(headersJSON), resp.Body,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrIdempotencyNotStarted
	}
	return nil
}

// Get returns the record or nil when absent.
func (r *IdempotencyRepository) Get(ctx context.Context, actorID, key string) (*idempotency.Record, error) {
	rec := &idempotency.Record{ActorID: actorID, Key: key}
	var (
		state      string
		status     *int32
		headerJSON []byte
		body       []byte
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT state, response_status_code, response_headers, response_body, created_at, completed_at
		 FROM idempotency WHERE user_id = $1 AND idempotency_key = $2`,
		actorID, key,
	).Scan(&state, &status, &headerJSON, &body, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	rec.State = idempotency.State(state)
	if rec.State == idempotency.StateCompleted && status != nil {
		resp := &idempotency.SavedResponse{StatusCode: int(*status), Body: body}
		if len(headerJSON) > 0 {
			if err := json.Unmarshal(headerJSON, &resp.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal response headers: %w", err)
			}
		}
		if resp.Body == nil {
			resp.Body = []byte{}
		}
		rec.Response = resp
	}
	return rec, nil
}

func (r *IdempotencyRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM idempotency WHERE state = 'completed' AND created_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
