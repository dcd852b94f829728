package repository

import (
	"context"
	"fmt"

	"test-your-luck/internal/model"
)

// GetRecentGames reads a user's plays from the global log, newest first.
// Unlike the profile history this is not capped.
func (r *UserRepository) GetRecentGames(ctx context.Context, userID string, limit int) ([]model.GameRecord, error) {
	const query = `
		SELECT id, prediction, result, outcome, rating_delta, played_at
		FROM games
		WHERE user_id = $1
		ORDER BY played_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get games: %w", err)
	}
	defer rows.Close()

	var games []model.GameRecord
	for rows.Next() {
		var rec model.GameRecord
		var prediction, result, outcome string
		if err := rows.Scan(&rec.ID, &prediction, &result, &outcome, &rec.RatingDelta, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		rec.Prediction = model.Side(prediction)
		rec.Result = model.Side(result)
		rec.Outcome = model.Outcome(outcome)
		games = append(games, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating games: %w", err)
	}

	return games, nil
}

// CountGames returns the number of logged plays for a user.
func (r *UserRepository) CountGames(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM games WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count games: %w", err)
	}
	return n, nil
}
