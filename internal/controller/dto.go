package controller

import (
	"net/url"
	"time"

	"github.com/kaftw/newsletter/internal/domain/delivery"
	"github.com/kaftw/newsletter/internal/service"
)

// --- Request DTOs ---
// These DTOs handle HTTP concerns (JSON and form field names, validation tags).
// Controllers convert them to service calls.

// PublishRequest holds the content of a newsletter issue.
type PublishRequest struct {
	Title          string `json:"title" validate:"required"`
	HTMLContent    string `json:"html_content" validate:"required"`
	TextContent    string `json:"text_content" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

func (p *PublishRequest) fromForm(values url.Values) {
	p.Title = values.Get("title")
	p.HTMLContent = values.Get("html_content")
	p.TextContent = values.Get("text_content")
	p.IdempotencyKey = values.Get("idempotency_key")
}

// SubscribeRequest holds a subscription signup.
type SubscribeRequest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required"`
}

func (s *SubscribeRequest) fromForm(values url.Values) {
	s.Name = values.Get("name")
	s.Email = values.Get("email")
}

// LoginRequest holds publisher credentials.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// --- Response DTOs ---

// IssueResponse represents an issue and its delivery progress.
type IssueResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	TextContent  string    `json:"text_content"`
	HTMLContent  string    `json:"html_content"`
	PublishedAt  time.Time `json:"published_at"`
	PendingTasks int64     `json:"pending_tasks"`
	DeadLetters  int64     `json:"dead_letters"`
}

// DeadLetterResponse represents one dead-lettered delivery.
type DeadLetterResponse struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	IssueID         string    `json:"issue_id"`
	SubscriberEmail string    `json:"subscriber_email"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	Reason          string    `json:"reason"`
	TaskCreatedAt   time.Time `json:"task_created_at"`
	FailedAt        time.Time `json:"failed_at"`
}

// ListDeadLettersResponse wraps a page of dead letters.
type ListDeadLettersResponse struct {
	DeadLetters []*DeadLetterResponse `json:"dead_letters"`
	Count       int                   `json:"count"`
}

// SubscribeResponse acknowledges a pending subscription.
type SubscribeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LoginResponse carries an issued bearer token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromIssueStatus converts an issue with its counters to an API response.
func FromIssueStatus(s *service.IssueStatus) *IssueResponse {
	return &IssueResponse{
		ID:           s.Issue.ID.String(),
		Title:        s.Issue.Title,
		TextContent:  s.Issue.TextContent,
		HTMLContent:  s.Issue.HTMLContent,
		PublishedAt:  s.Issue.PublishedAt,
		PendingTasks: s.Pending,
		DeadLetters:  s.DeadLetters,
	}
}

// FromDeadLetter converts a dead letter to an API response.
func FromDeadLetter(dl *delivery.DeadLetter) *DeadLetterResponse {
	return &DeadLetterResponse{
		ID:              dl.ID.String(),
		TaskID:          dl.TaskID.String(),
		IssueID:         dl.IssueID.String(),
		SubscriberEmail: dl.SubscriberEmail,
		Status:          string(dl.Status),
		RetryCount:      dl.RetryCount,
		Reason:          dl.Reason,
		TaskCreatedAt:   dl.TaskCreatedAt,
		FailedAt:        dl.FailedAt,
	}
}
