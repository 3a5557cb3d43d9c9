package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/config"
)

// Store is the authoritative repository for flags, configs, variants and
// rules. It owns one pooled connection per transaction from acquire to
// commit or rollback; callers pass an already-open pool at construction.
type Store struct {
	db     *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a store around an open pool.
func New(db *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "store").Logger()}
}

// Connect opens a bounded pgx pool from configuration and verifies the
// connection.
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info().Str("host", cfg.Database.Host).Msg("Database connection established")
	return pool, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// ListEnvironments returns the known environment keys. Environments are
// fixed at deploy time and seeded by migration.
func (s *Store) ListEnvironments(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key FROM environments ORDER BY key`)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list environments")
		return nil, err
	}
	defer rows.Close()

	var envs []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		envs = append(envs, key)
	}
	return envs, rows.Err()
}
