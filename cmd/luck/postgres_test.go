package main

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"test-your-luck/internal/config"
	"test-your-luck/internal/repository"
)

// setupRepository starts a PostgreSQL container with the schema applied.
// Skips the test if Docker is not available.
func setupRepository(t *testing.T) *repository.UserRepository {
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, repository.Migrate(ctx, pool))
	return repository.NewUserRepository(pool)
}

func TestTerminal_PostgresStatsAndHistory(t *testing.T) {
	repo := setupRepository(t)

	cfg := &config.Config{}
	cfg.Player.AuthID = "7"
	cfg.Player.Nickname = "Logged"
	term, out := newTestTerminalWithRepo(t, cfg, repo)

	// Plays sync in the background; stats and history read the game log.
	term.run(context.Background(), strings.NewReader("h\nt\n"))
	term.users.Flush()
	out.Reset()
	term.run(context.Background(), strings.NewReader("stats\nhistory\nquit\n"))

	text := out.String()
	assert.Contains(t, text, "Logged  rating")
	assert.Contains(t, text, "2 games in the online log")
	assert.Equal(t, 2, strings.Count(text, "called "))
}
