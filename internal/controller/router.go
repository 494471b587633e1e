package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kaftw/newsletter/internal/infrastructure/config"
	"github.com/kaftw/newsletter/internal/infrastructure/observability"
	customMW "github.com/kaftw/newsletter/internal/middleware"
	"github.com/kaftw/newsletter/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	DB                  Pinger
	Redis               Pinger
	NewsletterService   *service.NewsletterService
	SubscriptionService *service.SubscriptionService
	AuthService         *service.AuthService
	Authenticator       customMW.Authenticator
	Metrics             *observability.Metrics
	// Gatherer backs /metrics; the default registry is used when nil.
	Gatherer   prometheus.Gatherer
	CORSConfig config.CORSConfig
	// RateLimit is the per-minute request budget per client IP on public endpoints.
	RateLimit int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.DB, deps.Redis)
	newsletterH := NewNewsletterController(deps.NewsletterService)
	subscriptionH := NewSubscriptionController(deps.SubscriptionService)
	authH := NewAuthController(deps.AuthService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", metricsHandler(deps.Gatherer))

	rateLimit := customMW.RateLimit(deps.RateLimit, time.Minute)

	// Public subscription flow
	r.With(rateLimit).Post("/subscriptions", subscriptionH.Subscribe)
	r.Get("/subscriptions/confirm", subscriptionH.Confirm)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(rateLimit).Post("/login", authH.Login)

		r.Group(func(r chi.Router) {
			r.Use(customMW.RequireAuth(deps.Authenticator))

			r.Post("/newsletters", newsletterH.Publish)
			r.Get("/newsletters/{id}", newsletterH.GetIssue)
			r.Get("/dead-letters", newsletterH.ListDeadLetters)
		})
	})

	return r
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
