package service

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"test-your-luck/internal/game"
	"test-your-luck/internal/localcache"
	"test-your-luck/internal/model"
	"test-your-luck/internal/store"
)

func TestUserService_LoadEmptyCache(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.users.Load())
	assert.Equal(t, UserUnloaded, f.users.State())
	assert.False(t, f.users.IsLoggedIn())
	assert.Nil(t, f.users.Current())
	assert.Equal(t, 0, f.users.Rating())
}

func TestUserService_LoadCorruptCache(t *testing.T) {
	for _, raw := range []string{"not json", "null", "{}"} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.backend.Set(localcache.UserKey, raw))

			require.NoError(t, f.users.Load())
			assert.Equal(t, UserUnloaded, f.users.State())
			assert.False(t, f.users.IsLoggedIn())
			assert.Nil(t, f.users.Current())

			_, ok, err := f.backend.Get(localcache.UserKey)
			require.NoError(t, err)
			assert.False(t, ok, "corrupt slot should be cleared")
		})
	}
}

func TestUserService_CreateAndReload(t *testing.T) {
	f := newFixture(t)

	p, err := f.users.Create("  Lucky  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.ID, GuestIDPrefix))
	assert.Equal(t, "Lucky", p.Nickname)
	assert.Equal(t, game.StartingRating, p.Rating)
	assert.True(t, p.NicknameSet)
	assert.Empty(t, p.History)
	assert.Equal(t, UserLoaded, f.users.State())
	assert.True(t, f.users.HasNicknameSet())

	// A fresh service over the same cache sees the same user.
	other := NewUserService(f.cache, nil, 0)
	require.NoError(t, other.Load())
	assert.Equal(t, UserLoaded, other.State())
	assert.Equal(t, p.ID, other.Current().ID)
}

func TestUserService_CreateRejectsBlankNickname(t *testing.T) {
	f := newFixture(t)

	_, err := f.users.Create("   ")
	assert.ErrorIs(t, err, ErrEmptyNickname)
	assert.False(t, f.users.IsLoggedIn())
}

func TestUserService_RecordPlay(t *testing.T) {
	f := newFixture(t)
	u, err := f.users.Create("Lucky")
	require.NoError(t, err)

	p, err := f.users.RecordPlay(u.ID, gameRecord("g1", model.Win), 10020)
	require.NoError(t, err)
	assert.Equal(t, 10020, p.Rating)
	assert.Equal(t, 1, p.GamesPlayed)
	assert.Equal(t, 1, p.Wins)
	assert.Equal(t, UserUpdated, f.users.State())
	assert.Equal(t, 100, f.users.WinRate())

	cached, err := f.cache.LoadUser()
	require.NoError(t, err)
	assert.Equal(t, 10020, cached.Rating)
	require.Len(t, cached.History, 1)

	// Guests never reach the remote store.
	f.users.Flush()
	assert.Empty(t, f.docs.Games())
}

func TestUserService_RecordPlayWithoutUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.users.RecordPlay("user_gone", gameRecord("g1", model.Win), 10020)
	assert.ErrorIs(t, err, ErrNoActiveUser)
}

func TestUserService_RecordPlayForReplacedUser(t *testing.T) {
	f := newFixture(t)
	alice, err := f.users.Create("Alice")
	require.NoError(t, err)
	require.NoError(t, f.users.Logout())
	bob, err := f.users.Create("Bob")
	require.NoError(t, err)

	_, err = f.users.RecordPlay(alice.ID, gameRecord("g1", model.Win), 10020)
	assert.ErrorIs(t, err, ErrNoActiveUser)

	p := f.users.Current()
	assert.Equal(t, bob.ID, p.ID)
	assert.Equal(t, game.StartingRating, p.Rating)
	assert.Zero(t, p.GamesPlayed)
	assert.Empty(t, p.History)
}

func TestUserService_HistoryCap(t *testing.T) {
	f := newFixture(t)
	u, err := f.users.Create("Lucky")
	require.NoError(t, err)

	const plays = model.HistoryLimit + 5
	for i := 1; i <= plays; i++ {
		_, err := f.users.RecordPlay(u.ID, gameRecord(fmt.Sprintf("g%d", i), model.Lose), 10000-i)
		require.NoError(t, err)
	}

	p := f.users.Current()
	assert.Equal(t, plays, p.GamesPlayed)
	require.Len(t, p.History, model.HistoryLimit)
	assert.Equal(t, fmt.Sprintf("g%d", plays), p.History[0].ID)
	assert.Equal(t, "g6", p.History[model.HistoryLimit-1].ID)
}

func TestUserService_SignInCreatesRemoteProfile(t *testing.T) {
	f := newFixture(t)

	p, err := f.users.SignIn(t.Context(), Identity{AuthID: "42", Email: "p@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, AuthIDPrefix+"42", p.ID)
	assert.Equal(t, "User", p.Nickname)
	assert.False(t, p.NicknameSet)
	assert.Equal(t, "p@example.com", p.Email)

	remote, err := f.remote.GetUser(t.Context(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Equal(t, "42", remote.AuthID)
}

func TestUserService_SignInNicknamePreference(t *testing.T) {
	f := newFixture(t)

	p, err := f.users.SignIn(t.Context(), Identity{AuthID: "1", DisplayName: "Display"}, "Chosen")
	require.NoError(t, err)
	assert.Equal(t, "Chosen", p.Nickname)
	assert.True(t, p.NicknameSet)

	g := newFixture(t)
	p, err = g.users.SignIn(t.Context(), Identity{AuthID: "2", DisplayName: "Display"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Display", p.Nickname)
	assert.True(t, p.NicknameSet)
}

func TestUserService_SignInAdoptsExisting(t *testing.T) {
	f := newFixture(t)
	existing := rankedProfile(AuthIDPrefix+"7", 12345, 40)
	existing.AuthID = "7"
	require.NoError(t, f.remote.CreateUser(t.Context(), existing.ID, existing))

	p, err := f.users.SignIn(t.Context(), Identity{AuthID: "7"}, "ignored")
	require.NoError(t, err)
	assert.Equal(t, 12345, p.Rating)
	assert.Equal(t, existing.Nickname, p.Nickname)
}

func TestUserService_SignInRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.docs.FailWith(store.OpGetUser, errors.New("offline"))

	_, err := f.users.SignIn(t.Context(), Identity{AuthID: "1"}, "")
	var se *store.StoreError
	require.ErrorAs(t, err, &se)
	assert.ErrorAs(t, f.users.Err(), &se)
	assert.False(t, f.users.IsLoggedIn())
}

func TestUserService_RemoteSyncAfterPlay(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	_, err := f.users.RecordPlay(p.ID, gameRecord("g1", model.Win), 10020)
	require.NoError(t, err)
	_, err = f.users.RecordPlay(p.ID, gameRecord("g2", model.Lose), 10001)
	require.NoError(t, err)
	f.users.Flush()

	remote, err := f.remote.GetUser(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10001, remote.Rating)
	assert.Equal(t, 2, remote.GamesPlayed)
	require.Len(t, remote.History, 2)
	assert.Equal(t, "g2", remote.History[0].ID)

	games := f.docs.Games()
	require.Len(t, games, 2)
	assert.Equal(t, "g1", games[0].Record.ID, "syncs keep play order")

	// The subscription converges local state on the remote copy.
	assert.Equal(t, 10001, f.users.Rating())
	assert.Equal(t, 2, f.users.Current().GamesPlayed)
	assert.NoError(t, f.users.Err())
}

func TestUserService_RemoteFailureKeepsLocalPlay(t *testing.T) {
	f := newFixture(t)
	u := f.signIn(t, "1")
	f.docs.FailWith(store.OpAppendGame, errors.New("unavailable"))

	p, err := f.users.RecordPlay(u.ID, gameRecord("g1", model.Win), 10020)
	require.NoError(t, err)
	f.users.Flush()

	assert.Equal(t, 10020, p.Rating)
	assert.Equal(t, 10020, f.users.Rating())
	assert.Equal(t, 1, f.users.Current().GamesPlayed)

	var se *store.StoreError
	require.ErrorAs(t, f.users.Err(), &se)
	assert.Equal(t, store.OpAppendGame, se.Op)

	f.users.ClearError()
	assert.NoError(t, f.users.Err())
}

func TestUserService_UpdateRemote(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	avatar := "https://example.com/a.png"
	require.NoError(t, f.users.UpdateRemote(t.Context(), model.UserUpdate{AvatarURL: &avatar}))
	assert.Equal(t, avatar, f.users.Current().AvatarURL)

	remote, err := f.remote.GetUser(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, avatar, remote.AvatarURL)
}

func TestUserService_UpdateRemoteRequiresAuth(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create("Guest")
	require.NoError(t, err)

	rating := 1
	err = f.users.UpdateRemote(t.Context(), model.UserUpdate{Rating: &rating})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.NoError(t, f.users.Err(), "precondition failures leave the error flag alone")

	err = f.users.PushGame(t.Context(), gameRecord("g1", model.Win))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestUserService_UpdateRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "1")
	f.docs.FailWith(store.OpUpdateUser, errors.New("denied"))

	rating := 1
	err := f.users.UpdateRemote(t.Context(), model.UserUpdate{Rating: &rating})
	var se *store.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, store.OpUpdateUser, se.Op)
	assert.Equal(t, game.StartingRating, f.users.Rating(), "failed update is not merged")
	assert.Error(t, f.users.Err())
}

func TestUserService_UpdateRemoteEmpty(t *testing.T) {
	f := newFixture(t)
	f.signIn(t, "1")
	state := f.users.State()
	f.docs.FailWith(store.OpUpdateUser, errors.New("denied"))

	require.NoError(t, f.users.UpdateRemote(t.Context(), model.UserUpdate{}))
	assert.NoError(t, f.users.Err(), "an empty update never reaches the store")
	assert.Equal(t, state, f.users.State())
}

func TestUserService_PushGame(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	require.NoError(t, f.users.PushGame(t.Context(), gameRecord("g1", model.Win)))
	remote, err := f.remote.GetUser(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.GamesPlayed)
}

func TestUserService_ConfirmNickname(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	assert.ErrorIs(t, f.users.ConfirmNickname(t.Context(), " "), ErrEmptyNickname)
	require.NoError(t, f.users.ConfirmNickname(t.Context(), "Flipper"))
	assert.True(t, f.users.HasNicknameSet())
	assert.Equal(t, "Flipper", f.users.Current().Nickname)

	remote, err := f.remote.GetUser(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Flipper", remote.Nickname)
	assert.True(t, remote.NicknameSet)
}

func TestUserService_SubscriptionDeliversRemoteChanges(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	rating := 15000
	require.NoError(t, f.remote.UpdateUser(t.Context(), p.ID, model.UserUpdate{Rating: &rating}))
	assert.Equal(t, 15000, f.users.Rating())

	cached, err := f.cache.LoadUser()
	require.NoError(t, err)
	assert.Equal(t, 15000, cached.Rating)
}

func TestUserService_UnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")
	f.users.Unsubscribe()

	rating := 15000
	require.NoError(t, f.remote.UpdateUser(t.Context(), p.ID, model.UserUpdate{Rating: &rating}))
	assert.Equal(t, game.StartingRating, f.users.Rating())
}

func TestUserService_Logout(t *testing.T) {
	f := newFixture(t)
	p := f.signIn(t, "1")

	require.NoError(t, f.users.Logout())
	assert.Equal(t, UserLoggedOut, f.users.State())
	assert.False(t, f.users.IsLoggedIn())

	cached, err := f.cache.LoadUser()
	require.NoError(t, err)
	assert.Nil(t, cached)

	// Remote changes after logout do not resurrect the user.
	rating := 1
	require.NoError(t, f.remote.UpdateUser(t.Context(), p.ID, model.UserUpdate{Rating: &rating}))
	assert.False(t, f.users.IsLoggedIn())
}

func TestUserService_SyncFromRemote(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create("Local")
	require.NoError(t, err)

	incoming := rankedProfile("user_x", 777, 12)
	f.users.SyncFromRemote(incoming)
	assert.Equal(t, 777, f.users.Rating())
	assert.Equal(t, UserUpdated, f.users.State())

	// The service keeps its own copy.
	incoming.Rating = 1
	assert.Equal(t, 777, f.users.Rating())
}

// TestRecordPlayCountersProperty checks that counters always add up and
// the history stays capped and newest-first.
func TestRecordPlayCountersProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		users := NewUserService(localcache.New(localcache.NewMemory()), nil, time.Second)
		u, err := users.Create("prop")
		if err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(1, 150).Draw(t, "plays")
		rating := game.StartingRating
		for i := 0; i < n; i++ {
			outcome := rapid.SampledFrom([]model.Outcome{model.Win, model.Lose}).Draw(t, "outcome")
			delta := rapid.IntRange(game.MinRatingDelta, game.MaxRatingDelta).Draw(t, "delta")
			rating = game.ApplyRating(rating, outcome, delta)
			if _, err := users.RecordPlay(u.ID, gameRecord(fmt.Sprintf("g%d", i), outcome), rating); err != nil {
				t.Fatal(err)
			}
		}

		p := users.Current()
		if p.GamesPlayed != n || p.Wins+p.Losses != n {
			t.Fatalf("counters: games=%d wins=%d losses=%d plays=%d", p.GamesPlayed, p.Wins, p.Losses, n)
		}
		if p.Rating < 0 || p.Rating != rating {
			t.Fatalf("rating %d, want %d", p.Rating, rating)
		}
		if len(p.History) > model.HistoryLimit {
			t.Fatalf("history length %d exceeds cap", len(p.History))
		}
		if p.History[0].ID != fmt.Sprintf("g%d", n-1) {
			t.Fatalf("newest record should be first, got %s", p.History[0].ID)
		}
	})
}
