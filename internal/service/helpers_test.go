package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"test-your-luck/internal/game"
	"test-your-luck/internal/localcache"
	"test-your-luck/internal/model"
	"test-your-luck/internal/pkg/lock"
	"test-your-luck/internal/pubsub"
	"test-your-luck/internal/store"
)

// fixedRand replays values, cycling when exhausted.
type fixedRand struct {
	values []int
	i      int
}

func (r *fixedRand) IntN(n int) int {
	v := r.values[r.i%len(r.values)] % n
	r.i++
	return v
}

// engineFor always flips side and rolls MinRatingDelta+offset.
func engineFor(side model.Side, offset int) *game.Engine {
	coin := 0
	if side == model.Tails {
		coin = 1
	}
	return game.NewEngine(&fixedRand{values: []int{coin, offset}})
}

type fixture struct {
	backend *localcache.Memory
	cache   *localcache.Cache
	docs    *store.MemoryDocuments
	remote  *store.Remote
	users   *UserService
	ranking *RankingService
	locks   *lock.UserLock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := localcache.NewMemory()
	cache := localcache.New(backend)
	docs := store.NewMemoryDocuments()
	remote := store.NewRemote(docs, pubsub.NewLocal())

	f := &fixture{
		backend: backend,
		cache:   cache,
		docs:    docs,
		remote:  remote,
		users:   NewUserService(cache, remote, time.Second),
		ranking: NewRankingService(cache, remote),
		locks:   lock.NewUserLock(),
	}
	t.Cleanup(func() {
		f.users.Flush()
		f.users.Unsubscribe()
		f.ranking.Unsubscribe()
	})
	return f
}

func (f *fixture) games(engine *game.Engine, delay time.Duration) *GameService {
	return NewGameService(engine, f.users, f.ranking, f.locks, &GameConfig{AnimationDelay: delay})
}

func (f *fixture) signIn(t *testing.T, authID string) *model.UserProfile {
	t.Helper()
	p, err := f.users.SignIn(t.Context(), Identity{AuthID: authID, DisplayName: "Player " + authID}, "")
	require.NoError(t, err)
	return p
}

func rankedProfile(id string, rating, games int) *model.UserProfile {
	wins := games / 2
	return &model.UserProfile{
		ID:          id,
		Nickname:    "nick-" + id,
		Rating:      rating,
		GamesPlayed: games,
		Wins:        wins,
		Losses:      games - wins,
		History:     []model.GameRecord{},
		CreatedAt:   time.Now().UTC(),
	}
}

func gameRecord(id string, outcome model.Outcome) model.GameRecord {
	return model.GameRecord{
		ID:          id,
		Prediction:  model.Heads,
		Result:      model.Heads,
		Outcome:     outcome,
		RatingDelta: 20,
		Timestamp:   time.Now().UTC(),
	}
}
