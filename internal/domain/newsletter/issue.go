package newsletter

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/errors"
)

// Issue is a published newsletter edition. Its content is immutable once stored.
type Issue struct {
	ID          uuid.UUID
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
}

// NewIssue validates the content and creates an issue ready to be stored.
func NewIssue(title, htmlContent, textContent string) (*Issue, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.NewValidationError("title", "must not be empty")
	}
	if strings.TrimSpace(htmlContent) == "" {
		return nil, errors.NewValidationError("html_content", "must not be empty")
	}
	if strings.TrimSpace(textContent) == "" {
		return nil, errors.NewValidationError("text_content", "must not be empty")
	}

	return &Issue{
		ID:          uuid.New(),
		Title:       title,
		TextContent: textContent,
		HTMLContent: htmlContent,
		PublishedAt: time.Now().UTC(),
	}, nil
}
