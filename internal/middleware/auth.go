package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/rs/zerolog/log"
)

type contextKey string

const UserIDKey contextKey = "user_id"

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator resolves the actor behind a request. Failed authentication wraps
// errors.ErrUnauthorized; any other error is an infrastructure failure.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// challenger is implemented by authenticators that advertise a WWW-Authenticate challenge.
type challenger interface {
	Challenge() string
}

// JWTAuthenticator accepts HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", domainErrors.ErrUnauthorized)
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("%w: invalid authorization scheme", domainErrors.ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(authHeader, "Bearer "), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("%w: invalid token", domainErrors.ErrUnauthorized)
	}
	return claims.UserID, nil
}

// CredentialVerifier checks a username/password pair and returns the user id.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (string, error)
}

// BasicAuthenticator accepts HTTP Basic credentials checked against the user store.
type BasicAuthenticator struct {
	verifier CredentialVerifier
	realm    string
}

func NewBasicAuthenticator(verifier CredentialVerifier, realm string) *BasicAuthenticator {
	return &BasicAuthenticator{verifier: verifier, realm: realm}
}

func (a *BasicAuthenticator) Authenticate(r *http.Request) (string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", fmt.Errorf("%w: missing basic credentials", domainErrors.ErrUnauthorized)
	}

	userID, err := a.verifier.VerifyCredentials(r.Context(), username, password)
	if errors.Is(err, domainErrors.ErrInvalidCredentials) {
		return "", fmt.Errorf("%w: %v", domainErrors.ErrUnauthorized, err)
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (a *BasicAuthenticator) Challenge() string {
	return fmt.Sprintf(`Basic realm="%s"`, a.realm)
}

// RequireAuth rejects unauthenticated requests before they reach the handler
// and stores the actor id in the request context.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := auth.Authenticate(r)
			if err != nil {
				if !errors.Is(err, domainErrors.ErrUnauthorized) {
					log.Error().Err(err).Msg("authentication backend failed")
					writeJSONError(w, http.StatusInternalServerError, "internal server error", "internal_error")
					return
				}
				if c, ok := auth.(challenger); ok {
					w.Header().Set("WWW-Authenticate", c.Challenge())
				}
				writeJSONError(w, http.StatusUnauthorized, "authentication required", "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// IssueToken signs a JWT for userID valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  code,
	})
}
