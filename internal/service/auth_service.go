package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/user"
	"github.com/kaftw/newsletter/internal/middleware"
	"golang.org/x/crypto/bcrypt"
)

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// AuthService verifies publisher credentials and issues tokens.
type AuthService struct {
	users     user.Repository
	jwtSecret string
	jwtExpiry time.Duration
}

func NewAuthService(users user.Repository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{users: users, jwtSecret: jwtSecret, jwtExpiry: jwtExpiry}
}

// VerifyCredentials returns the user id for a valid username/password pair.
// Unknown users still pay for a bcrypt comparison.
func (s *AuthService) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	creds, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if creds == nil {
		bcrypt.CompareHashAndPassword(fallbackHash(), []byte(password))
		return "", errors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return "", errors.ErrInvalidCredentials
	}
	return creds.UserID.String(), nil
}

// Login verifies credentials and returns a signed JWT with its expiry.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	userID, err := s.VerifyCredentials(ctx, username, password)
	if err != nil {
		return "", time.Time{}, err
	}
	return middleware.IssueToken(s.jwtSecret, userID, s.jwtExpiry)
}

func fallbackHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return dummyHash
}
