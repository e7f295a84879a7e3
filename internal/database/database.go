package database

import (
	"context"
	"fmt"
	"storefront-checkout/migrations"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// NewPostgres opens a pgx pool against the order store and pings it.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema with goose.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		log.Info("migration applied",
			zap.String("source", r.Source.Path),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Health reports pool statistics for the health endpoint.
func Health(ctx context.Context, pool *pgxpool.Pool) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	s := pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(s.TotalConns()))
	stats["acquired_conns"] = strconv.Itoa(int(s.AcquiredConns()))
	stats["idle_conns"] = strconv.Itoa(int(s.IdleConns()))
	stats["empty_acquire_count"] = strconv.FormatInt(s.EmptyAcquireCount(), 10)
	stats["acquire_duration"] = s.AcquireDuration().String()

	if s.AcquiredConns() >= s.MaxConns()*4/5 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if s.EmptyAcquireCount() > 1000 {
		stats["message"] = "The pool often runs dry, consider raising max connections."
	}

	return stats
}
