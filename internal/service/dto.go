package service

import (
	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
)

// AcceptedMessage is returned with every accepted publish.
const AcceptedMessage = "The newsletter issue has been accepted - emails will go out shortly."

// Controllers convert their HTTP DTOs to this type.
type PublishInput struct {
	ActorID        string
	IdempotencyKey string // derived from the content when empty
	Title          string
	HTMLContent    string
	TextContent    string
}

// PublishResult carries the response to write. Replayed results have a zero IssueID.
type PublishResult struct {
	IssueID    uuid.UUID
	Recipients int
	Response   *idempotency.SavedResponse
	Replayed   bool
}

// IssueStatus is an issue with the progress of its delivery.
type IssueStatus struct {
	Issue       *newsletter.Issue
	Pending     int64
	DeadLetters int64
}

// AcceptedBody is the JSON body of an accepted publish.
type AcceptedBody struct {
	IssueID    string `json:"issue_id"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
	Message    string `json:"message"`
}
