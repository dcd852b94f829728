package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"test-your-luck/internal/game"
	"test-your-luck/internal/localcache"
	"test-your-luck/internal/model"
	"test-your-luck/internal/store"
)

// RankingService keeps the known-user set and derives the leaderboard
// from it on every read.
type RankingService struct {
	cache  *localcache.Cache
	remote store.Store

	mu      sync.RWMutex
	users   []*model.UserProfile
	lastErr error

	subMu     sync.Mutex
	subGen    atomic.Uint64
	subCancel store.Cancel
}

// NewRankingService creates a RankingService. remote may be nil.
func NewRankingService(cache *localcache.Cache, remote store.Store) *RankingService {
	return &RankingService{cache: cache, remote: remote}
}

// Load hydrates the set from the cache. A corrupt slot is cleared and the
// set stays empty.
func (s *RankingService) Load() error {
	users, err := s.cache.LoadUsers()
	if err != nil {
		if localcache.IsParseError(err) {
			log.Warn().Err(err).Msg("Discarding corrupt cached ranking")
			if err := s.cache.ClearUsers(); err != nil {
				log.Error().Err(err).Msg("Failed to clear cached ranking")
			}
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = compact(users)
	return nil
}

// Refresh replaces the set with the remote ranked query.
func (s *RankingService) Refresh(ctx context.Context) error {
	if s.remote == nil {
		return ErrNoRemote
	}
	s.ClearError()

	users, err := s.remote.QueryRanked(ctx, game.MinGamesForRanking, game.RankedQueryLimit)
	if err != nil {
		s.fail(err, "Failed to load ranking")
		return err
	}
	s.ReplaceAll(users)
	return nil
}

// Subscribe follows the remote ranked query, replacing the set on every
// delivery. An earlier subscription is cancelled first.
func (s *RankingService) Subscribe() error {
	if s.remote == nil {
		return ErrNoRemote
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.cancelLocked()

	gen := s.subGen.Load()
	cancel, err := s.remote.SubscribeRanked(game.MinGamesForRanking, game.RankedQueryLimit,
		func(users []*model.UserProfile) {
			if s.subGen.Load() != gen {
				return
			}
			s.ReplaceAll(users)
		},
		func(err error) {
			if s.subGen.Load() != gen {
				return
			}
			s.fail(err, "Ranking subscription error")
		},
	)
	if err != nil {
		s.fail(err, "Failed to subscribe to ranking")
		return err
	}
	s.subCancel = cancel
	return nil
}

// Unsubscribe stops following the remote ranking.
func (s *RankingService) Unsubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.cancelLocked()
}

func (s *RankingService) cancelLocked() {
	s.subGen.Add(1)
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
}

// Upsert replaces the profile with the same ID or appends p.
func (s *RankingService) Upsert(p *model.UserProfile) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := p.Clone()
	for i, u := range s.users {
		if u.ID == p.ID {
			s.users[i] = c
			s.persistLocked()
			return
		}
	}
	s.users = append(s.users, c)
	s.persistLocked()
}

// ReplaceAll swaps the whole set.
func (s *RankingService) ReplaceAll(users []*model.UserProfile) {
	c := make([]*model.UserProfile, 0, len(users))
	for _, u := range users {
		if u != nil {
			c = append(c, u.Clone())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = c
	s.persistLocked()
}

// SeedDemo fills an empty set with three demo players.
// Returns false when the set already had entries.
func (s *RankingService) SeedDemo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) > 0 {
		return false
	}

	now := time.Now().UTC()
	day := 24 * time.Hour
	s.users = []*model.UserProfile{
		demoUser("demo1", "LuckyPlayer", 12500, 32, 18, now.Add(-7*day)),
		demoUser("demo2", "CoinMaster", 11800, 22, 13, now.Add(-5*day)),
		demoUser("demo3", "FlipKing", 9200, 12, 16, now.Add(-3*day)),
	}
	s.persistLocked()
	log.Info().Int("count", len(s.users)).Msg("Seeded demo players")
	return true
}

func demoUser(id, nickname string, rating, wins, losses int, created time.Time) *model.UserProfile {
	return &model.UserProfile{
		ID:          id,
		Nickname:    nickname,
		Rating:      rating,
		GamesPlayed: wins + losses,
		Wins:        wins,
		Losses:      losses,
		History:     []model.GameRecord{},
		CreatedAt:   created,
	}
}

// Ranked derives the leaderboard: profiles with enough plays, highest
// rating first, ties in set order. Percentiles are relative to the
// ranked population only.
func (s *RankingService) Ranked() []model.RankingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rank(s.users)
}

// Top returns the first TopPlayersLimit leaderboard rows.
func (s *RankingService) Top() []model.RankingEntry {
	ranked := s.Ranked()
	if len(ranked) > game.TopPlayersLimit {
		ranked = ranked[:game.TopPlayersLimit]
	}
	return ranked
}

// UserRank returns the leaderboard row for userID, if ranked.
func (s *RankingService) UserRank(userID string) (model.RankingEntry, bool) {
	for _, e := range s.Ranked() {
		if e.UserID == userID {
			return e, true
		}
	}
	return model.RankingEntry{}, false
}

// Users returns a copy of the backing set.
func (s *RankingService) Users() []*model.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.UserProfile, len(s.users))
	for i, u := range s.users {
		out[i] = u.Clone()
	}
	return out
}

// Err returns the last remote failure, or nil.
func (s *RankingService) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError resets the readable error flag.
func (s *RankingService) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

func (s *RankingService) fail(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *RankingService) persistLocked() {
	if err := s.cache.SaveUsers(s.users); err != nil {
		log.Error().Err(err).Msg("Failed to cache ranking")
	}
}

func rank(users []*model.UserProfile) []model.RankingEntry {
	eligible := make([]*model.UserProfile, 0, len(users))
	for _, u := range users {
		if u.GamesPlayed >= game.MinGamesForRanking {
			eligible = append(eligible, u)
		}
	}

	ratings := make([]int, len(eligible))
	for i, u := range eligible {
		ratings[i] = u.Rating
	}

	entries := make([]model.RankingEntry, len(eligible))
	for i, u := range eligible {
		entries[i] = model.RankingEntry{
			UserID:      u.ID,
			Nickname:    u.Nickname,
			Rating:      u.Rating,
			GamesPlayed: u.GamesPlayed,
			WinRate:     game.WinRate(u.Wins, u.GamesPlayed),
			Percentile:  game.Percentile(u.Rating, ratings),
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Rating > entries[j].Rating
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func compact(users []*model.UserProfile) []*model.UserProfile {
	out := users[:0]
	for _, u := range users {
		if u != nil {
			out = append(out, u)
		}
	}
	return out
}
