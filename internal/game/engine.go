// Package game implements the coin-flip outcome engine: coin draws,
// rating deltas and the rating/ranking arithmetic.
package game

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"test-your-luck/internal/model"
)

const (
	// StartingRating is the rating every new profile starts with.
	StartingRating = 10000

	// MinRatingDelta and MaxRatingDelta bound the per-play rating change.
	MinRatingDelta = 15
	MaxRatingDelta = 25

	// MinGamesForRanking is the number of plays needed to appear on the leaderboard.
	MinGamesForRanking = 10

	// TopPlayersLimit is the size of the leaderboard head.
	TopPlayersLimit = 10

	// RankedQueryLimit caps how many profiles a remote ranking query returns.
	RankedQueryLimit = 100
)

// Rand is the random source used by an Engine.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Engine draws coin sides and rating deltas from a random source.
type Engine struct {
	rng Rand
}

// NewEngine creates an Engine. A nil source uses the math/rand/v2 global source.
func NewEngine(rng Rand) *Engine {
	if rng == nil {
		rng = globalRand{}
	}
	return &Engine{rng: rng}
}

// FlipCoin returns heads or tails with equal probability.
func (e *Engine) FlipCoin() model.Side {
	if e.rng.IntN(2) == 0 {
		return model.Heads
	}
	return model.Tails
}

// RollRatingDelta returns a uniform integer in [MinRatingDelta, MaxRatingDelta].
func (e *Engine) RollRatingDelta() int {
	return e.rng.IntN(MaxRatingDelta-MinRatingDelta+1) + MinRatingDelta
}

var defaultEngine = NewEngine(nil)

// FlipCoin returns heads or tails with equal probability.
func FlipCoin() model.Side {
	return defaultEngine.FlipCoin()
}

// RollRatingDelta returns a uniform integer in [MinRatingDelta, MaxRatingDelta].
func RollRatingDelta() int {
	return defaultEngine.RollRatingDelta()
}

// DetermineOutcome returns Win iff the prediction matches the actual side.
func DetermineOutcome(prediction, actual model.Side) model.Outcome {
	if prediction == actual {
		return model.Win
	}
	return model.Lose
}

// ApplyRating adds delta on a win and subtracts it on a loss.
// The result never drops below zero.
func ApplyRating(current int, outcome model.Outcome, delta int) int {
	next := current - delta
	if outcome == model.Win {
		next = current + delta
	}
	return max(next, 0)
}

// WinRate returns round(100*wins/gamesPlayed), or 0 when no games were played.
func WinRate(wins, gamesPlayed int) int {
	if gamesPlayed == 0 {
		return 0
	}
	return roundPercent(wins, gamesPlayed)
}

// Percentile returns the share of population strictly below rating,
// as a rounded percentage. An empty population yields 100.
func Percentile(rating int, population []int) int {
	if len(population) == 0 {
		return 100
	}
	lower := 0
	for _, r := range population {
		if r < rating {
			lower++
		}
	}
	return roundPercent(lower, len(population))
}

// roundPercent rounds half away from zero; inputs are never negative.
func roundPercent(part, whole int) int {
	return int(math.Round(float64(part) * 100 / float64(whole)))
}

// NewGameID returns a time-ordered unique identifier (UUIDv7).
func NewGameID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RatingChangeText formats the signed rating change, e.g. "+20" or "-17".
func RatingChangeText(outcome model.Outcome, delta int) string {
	if outcome == model.Win {
		return fmt.Sprintf("+%d", delta)
	}
	return fmt.Sprintf("-%d", delta)
}
