package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kaftw/newsletter/internal/infrastructure/config"
	"github.com/kaftw/newsletter/pkg/retry"
	"github.com/rs/zerolog"
)

// NewPool creates a new PostgreSQL connection pool, retrying the initial ping
// while the database is still starting.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := cfg.ConnectRetries
	if attempts == 0 {
		attempts = 1
	}
	retryCfg := retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: cfg.ConnectRetryDelay,
		MaxDelay:     30 * time.Second,
		OnRetry: func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("Database not reachable yet, retrying")
		},
	}
	if err := retry.Do(ctx, retryCfg, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
