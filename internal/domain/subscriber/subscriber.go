package subscriber

import (
	"crypto/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/errors"
)

// Status is the subscription lifecycle state
type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
)

const (
	maxNameLength = 256
	tokenLength   = 25
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	validate       = validator.New()
	forbiddenChars = `/()"<>\{}`
)

// Subscriber represents a newsletter subscription
type Subscriber struct {
	ID           uuid.UUID
	Email        string
	Name         string
	Status       Status
	SubscribedAt time.Time
}

// NewSubscriber validates name and email and creates a subscriber awaiting confirmation.
func NewSubscriber(name, email string) (*Subscriber, error) {
	parsedName, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	parsedEmail, err := ParseEmail(email)
	if err != nil {
		return nil, err
	}

	return &Subscriber{
		ID:           uuid.New(),
		Email:        parsedEmail,
		Name:         parsedName,
		Status:       StatusPendingConfirmation,
		SubscribedAt: time.Now().UTC(),
	}, nil
}

// ParseEmail returns the trimmed address or a validation error.
func ParseEmail(s string) (string, error) {
	email := strings.TrimSpace(s)
	if email == "" {
		return "", errors.NewValidationError("email", "must not be empty")
	}
	if err := validate.Var(email, "email"); err != nil {
		return "", errors.NewValidationError("email", email+" is not a valid subscriber email")
	}
	return email, nil
}

// ParseName rejects empty, overly long, or markup-like names.
func ParseName(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errors.NewValidationError("name", "must not be empty")
	}
	if utf8.RuneCountInString(s) > maxNameLength {
		return "", errors.NewValidationError("name", "is too long")
	}
	if strings.ContainsAny(s, forbiddenChars) {
		return "", errors.NewValidationError("name", "contains forbidden characters")
	}
	return s, nil
}

// NewToken generates a random confirmation token.
func NewToken() string {
	b := make([]byte, tokenLength)
	rand.Read(b)
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(b)
}

// ValidToken reports whether s has the shape of a confirmation token.
func ValidToken(s string) bool {
	if len(s) != tokenLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(tokenAlphabet, r) {
			return false
		}
	}
	return true
}
