package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *DeliveryRepository) Enqueue(ctx context.Context, tasks []*delivery.Task) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(tasks))
	issueIDs := make([]uuid.UUID, len(tasks))
	emails := make([]string, len(tasks))
	createdAt := make([]time.Time, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		issueIDs[i] = t.IssueID
		emails[i] = t.SubscriberEmail
		createdAt[i] = t.CreatedAt
	}

	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO issue_delivery_queue (id, newsletter_issue_id, subscriber_email, status, n_retries, execute_after, created_at)
		 SELECT t.id, t.issue_id, t.email, 'pending', 0, t.created_at, t.created_at
		 FROM unnest($1::uuid[], $2::uuid[], $3::text[], $4::timestamptz[]) AS t(id, issue_id, email, created_at)
		 ON CONFLICT (newsletter_issue_id, subscriber_email) DO NOTHING`,
		ids, issueIDs, emails, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue delivery tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *DeliveryRepository) Claim(ctx context.Context, limit int, now time.Time) ([]*delivery.ClaimedTask, error) {
	if !InTransaction(ctx) {
		return nil, domainErrors.ErrTransactionRequired
	}
	if limit <= 0 {
		limit = 1
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT q.id, q.newsletter_issue_id, q.subscriber_email, q.status, q.n_retries, q.execute_after, q.last_error, q.created_at,
		        i.title, i.text_content, i.html_content, i.published_at
		 FROM issue_delivery_queue q
		 JOIN newsletter_issues i ON i.newsletter_issue_id = q.newsletter_issue_id
		 WHERE q.status = 'pending' AND q.execute_after <= $1
		 ORDER BY q.execute_after ASC
		 LIMIT $2
		 FOR UPDATE OF q SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim delivery tasks: %w", err)
	}
	defer rows.Close()

	var claimed []*delivery.ClaimedTask
	for rows.Next() {
		t := &delivery.Task{}
		issue := &newsletter.Issue{}
		var status string
		if err := rows.Scan(
			&t.ID, &t.IssueID, &t.SubscriberEmail, &status, &t.RetryCount, &t.NextAttemptAt, &t.LastError, &t.CreatedAt,
			&issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery task: %w", err)
		}
		t.Status = delivery.Status(status)
		issue.ID = t.IssueID
		claimed = append(claimed, &delivery.ClaimedTask{Task: t, Issue: issue})
	}
	return claimed, rows.Err()
}

func (r *DeliveryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx, `DELETE FROM issue_delivery_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete delivery task: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE issue_delivery_queue
		 SET n_retries = $2, execute_after = $3, last_error = $4
		 WHERE id = $1`,
		id, retryCount, nextAttemptAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("reschedule delivery task: %w", err)
	}
	return nil
}

// DeadLetter must run in the claiming transaction so the insert and delete commit together.
func (r *DeliveryRepository) DeadLetter(ctx context.Context, dl *delivery.DeadLetter) error {
	if !InTransaction(ctx) {
		return domainErrors.ErrTransactionRequired
	}

	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO issue_delivery_dead_letters
		 (id, task_id, newsletter_issue_id, subscriber_email, status, n_retries, task_created_at, reason, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dl.ID, dl.TaskID, dl.IssueID, dl.SubscriberEmail, string(dl.Status), dl.RetryCount, dl.TaskCreatedAt, dl.Reason, dl.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return r.Delete(ctx, dl.TaskID)
}

func (r *DeliveryRepository) CountPending(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM issue_delivery_queue WHERE newsletter_issue_id = $1`, issueID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return n, nil
}

func (r *DeliveryRepository) CountDeadLetters(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM issue_delivery_dead_letters WHERE newsletter_issue_id = $1`, issueID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (r *DeliveryRepository) ListDeadLetters(ctx context.Context, filter delivery.DeadLetterFilter) ([]*delivery.DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, task_id, newsletter_issue_id, subscriber_email, status, n_retries, task_created_at, reason, failed_at
		 FROM issue_delivery_dead_letters
		 WHERE ($1::uuid IS NULL OR newsletter_issue_id = $1)
		 ORDER BY failed_at DESC
		 LIMIT $2`,
		filter.IssueID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*delivery.DeadLetter
	for rows.Next() {
		dl := &delivery.DeadLetter{}
		var status string
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.IssueID, &dl.SubscriberEmail, &status, &dl.RetryCount, &dl.TaskCreatedAt, &dl.Reason, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Status = delivery.Status(status)
		out = append(out, dl)
	}
	return out, rows.Err()
}
