package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
)

type IssueRepository struct {
	pool *pgxpool.Pool
}

func NewIssueRepository(pool *pgxpool.Pool) *IssueRepository {
	return &IssueRepository{pool: pool}
}

func (r *IssueRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *IssueRepository) Create(ctx context.Context, issue *newsletter.Issue) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO newsletter_issues (newsletter_issue_id, title, text_content, html_content, published_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert newsletter issue: %w", err)
	}
	return nil
}

func (r *IssueRepository) GetByID(ctx context.Context, id uuid.UUID) (*newsletter.Issue, error) {
	issue := &newsletter.Issue{}
	err := r.db(ctx).QueryRow(ctx,
		`SELECT newsletter_issue_id, title, text_content, html_content, published_at
		 FROM newsletter_issues WHERE newsletter_issue_id = $1`, id,
	).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrIssueNotFound
		}
		return nil, fmt.Errorf("get newsletter issue: %w", err)
	}
	return issue, nil
}
