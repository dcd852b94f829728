package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"test-your-luck/internal/game"
	"test-your-luck/internal/model"
	"test-your-luck/internal/pkg/lock"
)

// DefaultAnimationDelay is the presentation pause between the flip and
// the settled result.
const DefaultAnimationDelay = 2500 * time.Millisecond

// Phase is a stage of a single play.
type Phase int

// Play phases. A play moves Idle -> Predicting -> Animating -> Settled -> Idle.
const (
	PhaseIdle Phase = iota
	PhasePredicting
	PhaseAnimating
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePredicting:
		return "predicting"
	case PhaseAnimating:
		return "animating"
	case PhaseSettled:
		return "settled"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// GameState is an observable snapshot of the session's game.
type GameState struct {
	Phase       Phase
	Playing     bool
	Prediction  model.Side
	Result      model.Side
	Outcome     model.Outcome
	RatingDelta int
}

// Animating reports whether a play is waiting out its presentation delay.
func (g GameState) Animating() bool {
	return g.Phase == PhaseAnimating
}

// PlayResult describes a settled play.
type PlayResult struct {
	Record    model.GameRecord
	OldRating int
	NewRating int
	Profile   *model.UserProfile
}

// GameConfig holds configuration for the game service.
type GameConfig struct {
	AnimationDelay time.Duration
}

// GameService runs plays for the session's user.
type GameService struct {
	engine  *game.Engine
	users   *UserService
	ranking *RankingService
	locks   *lock.UserLock
	session string // lock key for this session's play in flight
	delay   time.Duration

	mu    sync.RWMutex
	state GameState
}

// NewGameService creates a GameService. ranking may be nil; a nil engine
// uses the default random source.
func NewGameService(
	engine *game.Engine,
	users *UserService,
	ranking *RankingService,
	locks *lock.UserLock,
	cfg *GameConfig,
) *GameService {
	delay := DefaultAnimationDelay
	if cfg != nil && cfg.AnimationDelay > 0 {
		delay = cfg.AnimationDelay
	}
	if engine == nil {
		engine = game.NewEngine(nil)
	}
	if locks == nil {
		locks = lock.NewUserLock()
	}

	return &GameService{
		engine:  engine,
		users:   users,
		ranking: ranking,
		locks:   locks,
		session: "session_" + game.NewGameID(),
		delay:   delay,
	}
}

// PlayGame flips the coin against prediction and settles the result into
// the user's profile. A rejected call changes nothing. Once the flip has
// happened the play always runs to completion; ctx is only checked before
// that point.
func (s *GameService) PlayGame(ctx context.Context, prediction model.Side) (*PlayResult, error) {
	if !prediction.Valid() {
		return nil, ErrInvalidPrediction
	}
	if !s.locks.TryLock(s.session) {
		return nil, ErrPlayInProgress
	}
	defer s.locks.Unlock(s.session)

	user := s.users.Current()
	if user == nil {
		return nil, ErrNoActiveUser
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state.Phase = PhasePredicting
	s.state.Playing = true
	s.state.Prediction = prediction
	s.mu.Unlock()

	result := s.engine.FlipCoin()
	outcome := game.DetermineOutcome(prediction, result)
	delta := s.engine.RollRatingDelta()
	newRating := game.ApplyRating(user.Rating, outcome, delta)

	s.mu.Lock()
	s.state.Result = result
	s.state.Outcome = outcome
	s.state.RatingDelta = delta
	s.state.Phase = PhaseAnimating
	s.mu.Unlock()

	time.Sleep(s.delay)

	rec := model.GameRecord{
		ID:          game.NewGameID(),
		Prediction:  prediction,
		Result:      result,
		Outcome:     outcome,
		RatingDelta: delta,
		Timestamp:   time.Now().UTC(),
	}

	profile, err := s.users.RecordPlay(user.ID, rec, newRating)
	if err != nil {
		// The user went away or was replaced during the animation.
		s.setPhase(PhaseIdle)
		return nil, err
	}
	if s.ranking != nil {
		s.ranking.Upsert(profile)
	}

	s.setPhase(PhaseSettled)
	log.Info().
		Str("user_id", profile.ID).
		Str("prediction", string(prediction)).
		Str("result", string(result)).
		Str("outcome", string(outcome)).
		Str("change", game.RatingChangeText(outcome, delta)).
		Int("rating", newRating).
		Msg("Play settled")
	s.setPhase(PhaseIdle)

	return &PlayResult{
		Record:    rec,
		OldRating: user.Rating,
		NewRating: newRating,
		Profile:   profile,
	}, nil
}

// State returns a snapshot of the game state.
func (s *GameService) State() GameState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset clears the prediction and last result. The phase of a play in
// flight is left alone.
func (s *GameService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = GameState{Phase: s.state.Phase}
}

// StartNewGame resets the state and marks a game as started.
func (s *GameService) StartNewGame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = GameState{Phase: s.state.Phase, Playing: true}
	if s.state.Phase == PhaseIdle {
		s.state.Phase = PhasePredicting
	}
}

func (s *GameService) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Phase = p
}

// Drain blocks until the play in flight, if any, has settled.
func (s *GameService) Drain() {
	if !s.locks.IsLocked(s.session) {
		return
	}
	_ = s.locks.WithLock(s.session, func() error { return nil })
}
