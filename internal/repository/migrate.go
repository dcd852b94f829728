package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate creates the schema. It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: profiles
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			auth_id VARCHAR(255) NOT NULL DEFAULT '',
			nickname VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			rating INT NOT NULL DEFAULT 10000,
			games_played INT NOT NULL DEFAULT 0,
			wins INT NOT NULL DEFAULT 0,
			losses INT NOT NULL DEFAULT 0,
			history JSONB NOT NULL DEFAULT '[]',
			nickname_set BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_users_ranked ON users(games_played, rating DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	log.Info().Msg("Migration 1: users table created")

	// Migration 2: global game log. No foreign key: plays by unknown
	// profiles are still recorded.
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS games (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			prediction VARCHAR(8) NOT NULL,
			result VARCHAR(8) NOT NULL,
			outcome VARCHAR(8) NOT NULL,
			rating_delta INT NOT NULL,
			played_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_games_user_time ON games(user_id, played_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create games table: %w", err)
	}
	log.Info().Msg("Migration 2: games table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
