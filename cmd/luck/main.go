// Package main runs a terminal session of the coin-flip game.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"test-your-luck/internal/config"
	"test-your-luck/internal/game"
	"test-your-luck/internal/localcache"
	"test-your-luck/internal/model"
	"test-your-luck/internal/pkg/db"
	"test-your-luck/internal/pkg/lock"
	"test-your-luck/internal/pubsub"
	"test-your-luck/internal/repository"
	"test-your-luck/internal/service"
	"test-your-luck/internal/store"
)

const recentGamesLimit = 10

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("cache", cfg.Cache.Driver).
		Bool("embedded_nats", cfg.NATS.Embedded).
		Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := openCache(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local cache")
	}
	defer cache.Close()

	feed, err := openFeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change feed")
	}
	defer feed.Close()

	var (
		docs store.Documents
		repo *repository.UserRepository
	)
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		dbPool, err := db.NewPool(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer dbPool.Close()

		if err := repository.Migrate(ctx, dbPool.Pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		repo = repository.NewUserRepository(dbPool.Pool)
		docs = repo
	default:
		docs = store.NewMemoryDocuments()
	}

	remote := store.NewRemote(docs, feed)

	users := service.NewUserService(cache, remote, cfg.Store.SyncTimeout)
	ranking := service.NewRankingService(cache, remote)
	games := service.NewGameService(nil, users, ranking, lock.NewUserLock(), &service.GameConfig{
		AnimationDelay: cfg.Game.AnimationDelay,
	})

	if err := startSession(ctx, cfg, users, ranking); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}
	defer ranking.Unsubscribe()
	defer users.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	t := &terminal{
		out:     os.Stdout,
		users:   users,
		ranking: ranking,
		games:   games,
		repo:    repo,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.run(ctx, os.Stdin)
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-done:
	}

	// Queued remote syncs finish before the feed and pool close.
	games.Drain()
	users.Flush()
	log.Info().Msg("Session ended")
}

func openCache(ctx context.Context, cfg *config.Config) (*localcache.Cache, error) {
	switch cfg.Cache.Driver {
	case config.CacheDriverRedis:
		r := localcache.NewRedis(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.KeyPrefix)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return localcache.New(r), nil
	case config.CacheDriverMemory:
		return localcache.New(localcache.NewMemory()), nil
	default:
		s, err := localcache.NewSQLite(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
		return localcache.New(s), nil
	}
}

func openFeed(cfg *config.Config) (pubsub.Feed, error) {
	switch {
	case cfg.NATS.Embedded:
		feed, err := pubsub.NewEmbedded(cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		return feed, nil
	case cfg.NATS.URL != "":
		feed, err := pubsub.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		return feed, nil
	default:
		return pubsub.NewLocal(), nil
	}
}

// startSession restores or creates the player and brings the leaderboard up.
func startSession(ctx context.Context, cfg *config.Config, users *service.UserService, ranking *service.RankingService) error {
	if err := users.Load(); err != nil {
		return err
	}
	if err := ranking.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load cached ranking")
	}

	switch {
	case cfg.Player.AuthID != "":
		id := service.Identity{
			AuthID:      cfg.Player.AuthID,
			DisplayName: cfg.Player.DisplayName,
			Email:       cfg.Player.Email,
		}
		if _, err := users.SignIn(ctx, id, cfg.Player.Nickname); err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
	case !users.IsLoggedIn():
		nickname := cfg.Player.Nickname
		if strings.TrimSpace(nickname) == "" {
			nickname = "Player"
		}
		if _, err := users.Create(nickname); err != nil {
			return err
		}
	}

	if err := ranking.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh ranking")
	}
	if err := ranking.Subscribe(); err != nil {
		log.Warn().Err(err).Msg("Failed to subscribe to ranking")
	}
	if cfg.Game.SeedDemoUsers {
		ranking.SeedDemo()
	}

	p := users.Current()
	log.Info().
		Str("user_id", p.ID).
		Str("nickname", p.Nickname).
		Int("rating", p.Rating).
		Str("state", users.State().String()).
		Msg("Session started")
	return nil
}

// terminal is a line-oriented driver over the game services.
type terminal struct {
	out     io.Writer
	users   *service.UserService
	ranking *service.RankingService
	games   *service.GameService
	repo    *repository.UserRepository
}

func (t *terminal) run(ctx context.Context, in io.Reader) {
	handle := chain(t.handle, recoveryMiddleware(t.out), loggingMiddleware())

	t.help()
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(t.out, "> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if !handle(ctx, fields[0], strings.Join(fields[1:], " ")) {
			return
		}
	}
}

// handle runs one command and reports whether the loop should continue.
func (t *terminal) handle(ctx context.Context, cmd, arg string) bool {
	switch strings.ToLower(cmd) {
	case "heads", "h":
		t.play(ctx, model.Heads)
	case "tails", "t":
		t.play(ctx, model.Tails)
	case "stats", "me":
		t.stats(ctx)
	case "top":
		t.top()
	case "history":
		t.history(ctx)
	case "nick":
		if err := t.users.ConfirmNickname(ctx, arg); err != nil {
			fmt.Fprintf(t.out, "Could not change nickname: %v\n", err)
			return true
		}
		fmt.Fprintf(t.out, "Nickname set to %s\n", arg)
	case "logout":
		t.users.Flush()
		if err := t.users.Logout(); err != nil {
			log.Error().Err(err).Msg("Failed to log out")
		}
		fmt.Fprintln(t.out, "Logged out.")
		return false
	case "quit", "exit", "q":
		return false
	default:
		t.help()
	}
	return true
}

func (t *terminal) play(ctx context.Context, prediction model.Side) {
	t.games.StartNewGame()
	fmt.Fprintf(t.out, "You called %s. Flipping...\n", prediction)

	res, err := t.games.PlayGame(ctx, prediction)
	if err != nil {
		fmt.Fprintf(t.out, "Play rejected: %v\n", err)
		return
	}

	verdict := "You win!"
	if res.Record.Outcome == model.Lose {
		verdict = "You lose."
	}
	fmt.Fprintf(t.out, "It's %s. %s %s -> rating %d\n",
		res.Record.Result, verdict,
		game.RatingChangeText(res.Record.Outcome, res.Record.RatingDelta),
		res.NewRating)

	if err := t.users.Err(); err != nil {
		fmt.Fprintf(t.out, "(not yet saved online: %v)\n", err)
		t.users.ClearError()
	}
}

func (t *terminal) stats(ctx context.Context) {
	p := t.users.Current()
	if p == nil {
		fmt.Fprintln(t.out, "No player.")
		return
	}
	fmt.Fprintf(t.out, "%s  rating %d  games %d  wins %d  losses %d  win rate %d%%\n",
		p.Nickname, p.Rating, p.GamesPlayed, p.Wins, p.Losses, t.users.WinRate())

	if e, ok := t.ranking.UserRank(p.ID); ok {
		fmt.Fprintf(t.out, "Rank #%d, ahead of %d%% of ranked players\n", e.Rank, e.Percentile)
	} else {
		fmt.Fprintf(t.out, "Play %d more games to be ranked\n", max(game.MinGamesForRanking-p.GamesPlayed, 0))
	}

	if t.repo != nil && p.Authenticated() {
		logged, err := t.repo.CountGames(ctx, p.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count logged games")
			return
		}
		fmt.Fprintf(t.out, "%d games in the online log\n", logged)
	}
}

func (t *terminal) top() {
	top := t.ranking.Top()
	if len(top) == 0 {
		fmt.Fprintln(t.out, "No ranked players yet.")
		return
	}
	for _, e := range top {
		fmt.Fprintf(t.out, "%2d. %-16s %6d  %3d games  %3d%% wins  top %d%%\n",
			e.Rank, e.Nickname, e.Rating, e.GamesPlayed, e.WinRate, 100-e.Percentile)
	}
	if err := t.ranking.Err(); err != nil {
		fmt.Fprintf(t.out, "(leaderboard may be stale: %v)\n", err)
	}
}

func (t *terminal) history(ctx context.Context) {
	p := t.users.Current()
	if p == nil {
		return
	}

	records := p.History
	if t.repo != nil && p.Authenticated() {
		games, err := t.repo.GetRecentGames(ctx, p.ID, recentGamesLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read game log")
		} else {
			records = games
		}
	}
	if len(records) > recentGamesLimit {
		records = records[:recentGamesLimit]
	}

	for _, r := range records {
		fmt.Fprintf(t.out, "%s  called %-5s got %-5s %s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Prediction, r.Result,
			game.RatingChangeText(r.Outcome, r.RatingDelta))
	}
}

func (t *terminal) help() {
	fmt.Fprintln(t.out, "Commands: heads (h), tails (t), stats, top, history, nick <name>, logout, quit")
}
