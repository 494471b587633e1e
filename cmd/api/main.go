package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaftw/newsletter/internal/bootstrap"
	"github.com/kaftw/newsletter/internal/controller"
	infraRedis "github.com/kaftw/newsletter/internal/infrastructure/redis"
	"github.com/kaftw/newsletter/internal/middleware"
	"github.com/kaftw/newsletter/internal/repository/postgres"
	"github.com/kaftw/newsletter/internal/service"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "newsletter-api", "newsletter")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	channel, err := app.Channel(ctx)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create delivery channel")
	}

	// --- Repositories ---
	issueRepo := postgres.NewIssueRepository(app.Pool)
	subscriberRepo := postgres.NewSubscriberRepository(app.Pool)
	deliveryRepo := postgres.NewDeliveryRepository(app.Pool)
	idempotencyRepo := postgres.NewIdempotencyRepository(app.Pool)
	userRepo := postgres.NewUserRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)

	// --- Services ---
	enqueuer := service.NewOutboxEnqueuer(deliveryRepo, app.Logger, app.Metrics)
	newsletterService := service.NewNewsletterService(
		issueRepo,
		subscriberRepo,
		deliveryRepo,
		idempotencyRepo,
		enqueuer,
		txManager,
		app.Notifier(),
		app.Metrics,
		app.Logger,
	)
	subscriptionService := service.NewSubscriptionService(
		subscriberRepo, txManager, channel, app.Config.Application.BaseURL, app.Logger,
	)
	authService := service.NewAuthService(userRepo, app.Config.Auth.JWTSecret, app.Config.Auth.JWTExpiry)

	var authenticator middleware.Authenticator
	switch app.Config.Auth.Mode {
	case "jwt":
		authenticator = middleware.NewJWTAuthenticator(app.Config.Auth.JWTSecret)
	default:
		authenticator = middleware.NewBasicAuthenticator(authService, app.Config.Auth.Realm)
	}

	// --- Build router ---
	deps := controller.RouterDeps{
		DB:                  app.Pool,
		NewsletterService:   newsletterService,
		SubscriptionService: subscriptionService,
		AuthService:         authService,
		Authenticator:       authenticator,
		Metrics:             app.Metrics,
		CORSConfig:          app.Config.Server.CORS,
		RateLimit:           app.Config.Server.RateLimit,
	}
	if app.Redis != nil {
		deps.Redis = infraRedis.HealthCheck{Client: app.Redis}
	}
	router := controller.NewRouter(deps)

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", app.Config.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  app.Config.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if app.Config.Delivery.Embedded {
		app.Logger.Info().Int("workers", app.Config.Delivery.Workers).Msg("Running embedded delivery workers")
		bootstrap.GoDeliveryWorkers(gCtx, g, app.DeliveryWorkers(channel))
	}

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("API exited with error")
		os.Exit(1)
	}
	app.Logger.Info().Msg("Server exited")
}
