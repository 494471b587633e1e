package delivery

import (
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusFailedTerminal Status = "failed_terminal"
)

// Task is one pending email for one (issue, subscriber) pair.
type Task struct {
	ID              uuid.UUID
	IssueID         uuid.UUID
	SubscriberEmail string
	Status          Status
	RetryCount      int
	NextAttemptAt   time.Time
	LastError       *string
	CreatedAt       time.Time
}

func NewTask(issueID uuid.UUID, email string, now time.Time) *Task {
	return &Task{
		ID:              uuid.New(),
		IssueID:         issueID,
		SubscriberEmail: email,
		Status:          StatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
	}
}

// Attempt is the 1-based number of the delivery attempt about to run.
func (t *Task) Attempt() int {
	return t.RetryCount + 1
}

// ClaimedTask is a task locked by the current transaction together with the content to send.
type ClaimedTask struct {
	Task  *Task
	Issue *newsletter.Issue
}

// DeadLetter is the audit record of a task that will never be delivered.
type DeadLetter struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	IssueID         uuid.UUID
	SubscriberEmail string
	Status          Status
	RetryCount      int
	TaskCreatedAt   time.Time
	Reason          string
	FailedAt        time.Time
}

func NewDeadLetter(task *Task, reason string, failedAt time.Time) *DeadLetter {
	return &DeadLetter{
		ID:              uuid.New(),
		TaskID:          task.ID,
		IssueID:         task.IssueID,
		SubscriberEmail: task.SubscriberEmail,
		Status:          StatusFailedTerminal,
		RetryCount:      task.RetryCount,
		TaskCreatedAt:   task.CreatedAt,
		Reason:          reason,
		FailedAt:        failedAt,
	}
}
