package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/user"
	"github.com/kaftw/newsletter/internal/infrastructure/config"
	"github.com/kaftw/newsletter/internal/middleware"
	"github.com/kaftw/newsletter/internal/service"
	"github.com/kaftw/newsletter/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret    = "controller-test-secret-0123456789abcdef"
	testPublisher = "publisher-1"
	testUsername  = "admin"
	testPassword  = "everythinghastostartsomewhere"
)

type testAPI struct {
	router  http.Handler
	store   *testutil.MemoryStore
	channel *testutil.MockChannel
	token   string
	userID  uuid.UUID
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := testutil.NewMemoryStore()
	channel := testutil.NewMockChannel()
	logger := zerolog.Nop()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	userID := uuid.New()
	store.AddUser(user.Credentials{UserID: userID, Username: testUsername, PasswordHash: string(hash)})

	enqueuer := service.NewOutboxEnqueuer(store.Deliveries(), logger, nil)
	newsletterSvc := service.NewNewsletterService(
		store.Issues(),
		store.Subscribers(),
		store.Deliveries(),
		store.Idempotency(),
		enqueuer,
		store,
		nil,
		nil,
		logger,
	)
	subscriptionSvc := service.NewSubscriptionService(store.Subscribers(), store, channel, "http://localhost:8000", logger)
	authSvc := service.NewAuthService(store.Users(), testSecret, time.Hour)

	token, _, err := middleware.IssueToken(testSecret, testPublisher, time.Hour)
	require.NoError(t, err)

	router := NewRouter(RouterDeps{
		DB:                  fakePinger{},
		NewsletterService:   newsletterSvc,
		SubscriptionService: subscriptionSvc,
		AuthService:         authSvc,
		Authenticator:       middleware.NewJWTAuthenticator(testSecret),
		CORSConfig:          config.CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit:           1000,
	})

	return &testAPI{router: router, store: store, channel: channel, token: token, userID: userID}
}

func (a *testAPI) do(method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.token}
}
