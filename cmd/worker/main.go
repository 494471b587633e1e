package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kaftw/newsletter/internal/bootstrap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "newsletter-worker", "newsletter_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	channel, err := app.Channel(ctx)
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to create delivery channel")
	}

	workers := app.DeliveryWorkers(channel)
	purger := app.IdempotencyPurger()

	app.Logger.Info().
		Int("workers", len(workers)).
		Bool("wake_on_publish", app.Config.Delivery.WakeOnPublish && app.Redis != nil).
		Msg("Worker started, draining delivery queue...")

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Delivery workers; each finishes its current cycle before returning.
	bootstrap.GoDeliveryWorkers(gCtx, g, workers)

	// 2. Idempotency key retention.
	g.Go(func() error {
		return purger.Run(gCtx, app.Config.Idempotency.PurgeSchedule)
	})

	// 3. Metrics endpoint.
	if app.Config.Delivery.MetricsPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", app.Config.Delivery.MetricsPort),
			Handler:           metricsRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
		os.Exit(1)
	}
	app.Logger.Info().Msg("Worker exited")
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
