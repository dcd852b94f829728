// Package repository provides the PostgreSQL profile store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"test-your-luck/internal/model"
	"test-your-luck/internal/store"
)

const userColumns = `id, auth_id, nickname, email, avatar_url, rating, games_played, wins, losses, history, nickname_set, created_at`

// UserRepository persists profiles and the game log. It implements
// store.Documents.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

var _ store.Documents = (*UserRepository)(nil)

// CreateUser writes profile, replacing any existing row with the same ID.
func (r *UserRepository) CreateUser(ctx context.Context, profile *model.UserProfile) error {
	history, err := encodeHistory(profile.History)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO users (id, auth_id, nickname, email, avatar_url, rating, games_played, wins, losses, history, nickname_set, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			auth_id = EXCLUDED.auth_id,
			nickname = EXCLUDED.nickname,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			rating = EXCLUDED.rating,
			games_played = EXCLUDED.games_played,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			history = EXCLUDED.history,
			nickname_set = EXCLUDED.nickname_set,
			created_at = EXCLUDED.created_at,
			updated_at = NOW()
	`

	_, err = r.pool.Exec(ctx, query,
		profile.ID,
		profile.AuthID,
		profile.Nickname,
		profile.Email,
		profile.AvatarURL,
		profile.Rating,
		profile.GamesPlayed,
		profile.Wins,
		profile.Losses,
		history,
		profile.NicknameSet,
		profile.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a profile by ID.
// Returns store.ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*model.UserProfile, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUser applies the non-nil fields of update.
func (r *UserRepository) UpdateUser(ctx context.Context, id string, update model.UserUpdate) error {
	const query = `
		UPDATE users SET
			nickname = COALESCE($2, nickname),
			email = COALESCE($3, email),
			avatar_url = COALESCE($4, avatar_url),
			rating = COALESCE($5, rating),
			nickname_set = COALESCE($6, nickname_set),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id,
		update.Nickname,
		update.Email,
		update.AvatarURL,
		update.Rating,
		update.NicknameSet,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

// AppendGame logs rec and folds it into the owner's counters and history
// in one transaction. The profile row is locked for the duration so
// concurrent appends for the same user serialize.
func (r *UserRepository) AppendGame(ctx context.Context, userID string, rec model.GameRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO games (id, user_id, prediction, result, outcome, rating_delta, played_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, userID, string(rec.Prediction), string(rec.Result), string(rec.Outcome), rec.RatingDelta, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert game: %w", err)
	}

	var (
		p       model.UserProfile
		history []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT games_played, wins, losses, history
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&p.GamesPlayed, &p.Wins, &p.Losses, &history)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Unknown profile: the log entry alone is kept.
	case err != nil:
		return fmt.Errorf("failed to lock user: %w", err)
	default:
		if p.History, err = decodeHistory(history); err != nil {
			return err
		}
		p.ApplyGame(rec)
		if history, err = encodeHistory(p.History); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE users
			SET games_played = $2, wins = $3, losses = $4, history = $5, updated_at = NOW()
			WHERE id = $1
		`, userID, p.GamesPlayed, p.Wins, p.Losses, history)
		if err != nil {
			return fmt.Errorf("failed to update user aggregate: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit game: %w", err)
	}
	return nil
}

// QueryRanked returns profiles with at least minGames plays, highest
// rating first, oldest profile first on ties.
func (r *UserRepository) QueryRanked(ctx context.Context, minGames, limit int) ([]*model.UserProfile, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE games_played >= $1
		ORDER BY rating DESC, created_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, minGames, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranked users: %w", err)
	}
	defer rows.Close()

	var users []*model.UserProfile
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

func scanUser(row pgx.Row) (*model.UserProfile, error) {
	var (
		user    model.UserProfile
		history []byte
	)
	err := row.Scan(
		&user.ID,
		&user.AuthID,
		&user.Nickname,
		&user.Email,
		&user.AvatarURL,
		&user.Rating,
		&user.GamesPlayed,
		&user.Wins,
		&user.Losses,
		&history,
		&user.NicknameSet,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if user.History, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &user, nil
}

func encodeHistory(h []model.GameRecord) ([]byte, error) {
	if h == nil {
		h = []model.GameRecord{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return data, nil
}

func decodeHistory(data []byte) ([]model.GameRecord, error) {
	var h []model.GameRecord
	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return h, nil
}
