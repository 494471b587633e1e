package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
)

func NewTestIssue(title string) *newsletter.Issue {
	return &newsletter.Issue{
		ID:          uuid.New(),
		Title:       title,
		TextContent: "Plain text body of " + title,
		HTMLContent: "<p>HTML body of " + title + "</p>",
		PublishedAt: time.Now().UTC(),
	}
}

func NewTestTask(issueID uuid.UUID, email string, due time.Time) *delivery.Task {
	return delivery.NewTask(issueID, email, due)
}
