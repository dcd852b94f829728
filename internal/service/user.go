package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"test-your-luck/internal/game"
	"test-your-luck/internal/localcache"
	"test-your-luck/internal/model"
	"test-your-luck/internal/store"
)

// UserState is the lifecycle stage of the session's user.
type UserState int

// User states.
const (
	UserUnloaded UserState = iota
	UserLoaded
	UserUpdated
	UserLoggedOut
)

func (s UserState) String() string {
	switch s {
	case UserUnloaded:
		return "unloaded"
	case UserLoaded:
		return "loaded"
	case UserUpdated:
		return "updated"
	case UserLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("UserState(%d)", int(s))
	}
}

const (
	// GuestIDPrefix prefixes locally created profile IDs.
	GuestIDPrefix = "user_"
	// AuthIDPrefix prefixes the profile ID of an authenticated user.
	AuthIDPrefix = "auth_"

	defaultNickname    = "User"
	defaultSyncTimeout = 10 * time.Second
)

// Identity is a principal established by an external auth provider.
type Identity struct {
	AuthID      string
	DisplayName string
	Email       string
	AvatarURL   string
}

// UserService owns the session's user profile. Local mutations are applied
// and cached synchronously; remote syncs are best effort and never undo
// local state.
type UserService struct {
	cache       *localcache.Cache
	remote      store.Store
	syncTimeout time.Duration

	mu      sync.RWMutex
	user    *model.UserProfile
	state   UserState
	lastErr error

	subMu     sync.Mutex
	subGen    atomic.Uint64
	subCancel store.Cancel

	syncMu   sync.Mutex
	syncTail chan struct{}
}

// NewUserService creates a UserService. remote may be nil for an
// offline session; syncTimeout <= 0 uses 10s.
func NewUserService(cache *localcache.Cache, remote store.Store, syncTimeout time.Duration) *UserService {
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}
	return &UserService{
		cache:       cache,
		remote:      remote,
		syncTimeout: syncTimeout,
	}
}

// Load hydrates the user from the local cache. An empty slot leaves the
// service unloaded. A corrupt slot is cleared and also leaves it unloaded.
func (s *UserService) Load() error {
	p, err := s.cache.LoadUser()
	if err != nil {
		if localcache.IsParseError(err) {
			log.Warn().Err(err).Msg("Discarding corrupt cached user")
			if err := s.cache.ClearUser(); err != nil {
				log.Error().Err(err).Msg("Failed to clear cached user")
			}
			return nil
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if p == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = p
	s.state = UserLoaded
	log.Info().Str("user_id", p.ID).Int("rating", p.Rating).Msg("Loaded cached user")
	return nil
}

// Create starts a new guest profile.
func (s *UserService) Create(nickname string) (*model.UserProfile, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, ErrEmptyNickname
	}

	p := &model.UserProfile{
		ID:          GuestIDPrefix + newID(),
		Nickname:    nickname,
		Rating:      game.StartingRating,
		History:     []model.GameRecord{},
		CreatedAt:   time.Now().UTC(),
		NicknameSet: true,
	}

	s.Unsubscribe()
	s.SetProfile(p)
	log.Info().Str("user_id", p.ID).Str("nickname", p.Nickname).Msg("Created user")
	return p.Clone(), nil
}

// SetProfile replaces the current user and caches it.
func (s *UserService) SetProfile(p *model.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = p.Clone()
	s.state = UserLoaded
	s.persistLocked()
}

// RecordPlay folds a completed play by userID into the profile and caches
// it. ErrNoActiveUser is returned when userID is no longer the current
// user. For an authenticated user a remote sync is queued behind any
// earlier ones. Returns the updated profile.
func (s *UserService) RecordPlay(userID string, rec model.GameRecord, newRating int) (*model.UserProfile, error) {
	s.mu.Lock()
	if s.user == nil || s.user.ID != userID {
		s.mu.Unlock()
		return nil, ErrNoActiveUser
	}
	s.user.Rating = newRating
	s.user.ApplyGame(rec)
	s.state = UserUpdated
	s.persistLocked()
	snapshot := s.user.Clone()
	s.mu.Unlock()

	if snapshot.Authenticated() && s.remote != nil {
		s.enqueueSync(snapshot.ID, rec, newRating)
	}
	return snapshot, nil
}

// enqueueSync runs the remote write for one play after every previously
// queued one has finished, so remote writes keep play order.
func (s *UserService) enqueueSync(id string, rec model.GameRecord, rating int) {
	s.syncMu.Lock()
	prev := s.syncTail
	done := make(chan struct{})
	s.syncTail = done
	s.syncMu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.syncTimeout)
		defer cancel()

		if err := s.remote.AppendGame(ctx, id, rec); err != nil {
			s.fail(err, id, "Failed to save game record")
			return
		}
		if err := s.remote.UpdateUser(ctx, id, model.UserUpdate{Rating: &rating}); err != nil {
			s.fail(err, id, "Failed to save rating")
			return
		}
		log.Debug().Str("user_id", id).Str("game_id", rec.ID).Msg("Play synced")
	}()
}

// Flush blocks until every queued remote sync has finished.
func (s *UserService) Flush() {
	s.syncMu.Lock()
	tail := s.syncTail
	s.syncMu.Unlock()
	if tail != nil {
		<-tail
	}
}

// SyncFromRemote replaces the local profile with p. The last delivered
// profile wins.
func (s *UserService) SyncFromRemote(p *model.UserProfile) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		s.state = UserLoaded
	} else {
		s.state = UserUpdated
	}
	s.user = p.Clone()
	s.persistLocked()
}

// SignIn binds the session to an authenticated identity. An existing remote
// profile is adopted; otherwise one is created. The session then follows
// remote changes to the profile.
func (s *UserService) SignIn(ctx context.Context, id Identity, nickname string) (*model.UserProfile, error) {
	if s.remote == nil {
		return nil, ErrNoRemote
	}
	if id.AuthID == "" {
		return nil, ErrNotAuthenticated
	}
	s.ClearError()

	profileID := AuthIDPrefix + id.AuthID
	p, err := s.remote.GetUser(ctx, profileID)
	if err != nil {
		s.fail(err, profileID, "Failed to fetch user")
		return nil, err
	}

	if p == nil {
		nickname = strings.TrimSpace(nickname)
		display := strings.TrimSpace(id.DisplayName)
		final := nickname
		if final == "" {
			final = display
		}
		if final == "" {
			final = defaultNickname
		}

		p = &model.UserProfile{
			ID:          profileID,
			AuthID:      id.AuthID,
			Nickname:    final,
			Email:       id.Email,
			AvatarURL:   id.AvatarURL,
			Rating:      game.StartingRating,
			History:     []model.GameRecord{},
			CreatedAt:   time.Now().UTC(),
			NicknameSet: nickname != "" || display != "",
		}
		if err := s.remote.CreateUser(ctx, profileID, p); err != nil {
			s.fail(err, profileID, "Failed to create user")
			return nil, err
		}
		log.Info().Str("user_id", profileID).Str("nickname", final).Msg("Created remote user")
	} else {
		log.Info().Str("user_id", profileID).Int("rating", p.Rating).Msg("Adopted remote user")
	}

	s.SetProfile(p)
	if err := s.SubscribeRemote(profileID); err != nil {
		return nil, err
	}
	return s.Current(), nil
}

// UpdateRemote writes update to the remote profile, then merges it locally.
func (s *UserService) UpdateRemote(ctx context.Context, update model.UserUpdate) error {
	id, err := s.authenticatedID()
	if err != nil {
		return err
	}
	if update.Empty() {
		return nil
	}

	if err := s.remote.UpdateUser(ctx, id, update); err != nil {
		s.fail(err, id, "Failed to update remote user")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil && s.user.ID == id {
		update.Apply(s.user)
		s.state = UserUpdated
		s.persistLocked()
	}
	return nil
}

// PushGame writes rec to the remote store synchronously.
func (s *UserService) PushGame(ctx context.Context, rec model.GameRecord) error {
	id, err := s.authenticatedID()
	if err != nil {
		return err
	}
	if err := s.remote.AppendGame(ctx, id, rec); err != nil {
		s.fail(err, id, "Failed to save game record")
		return err
	}
	return nil
}

// ConfirmNickname sets the nickname and marks it as chosen.
func (s *UserService) ConfirmNickname(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrEmptyNickname
	}

	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return ErrNoActiveUser
	}
	s.user.Nickname = nickname
	s.user.NicknameSet = true
	s.state = UserUpdated
	s.persistLocked()
	authenticated := s.user.Authenticated()
	s.mu.Unlock()

	if !authenticated || s.remote == nil {
		return nil
	}
	set := true
	return s.UpdateRemote(ctx, model.UserUpdate{Nickname: &nickname, NicknameSet: &set})
}

// SubscribeRemote follows remote changes to the profile stored under id,
// replacing any earlier subscription.
func (s *UserService) SubscribeRemote(id string) error {
	if s.remote == nil {
		return ErrNoRemote
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.cancelLocked()

	gen := s.subGen.Load()
	cancel, err := s.remote.SubscribeUser(id, func(p *model.UserProfile) {
		if p == nil || s.subGen.Load() != gen {
			return
		}
		s.SyncFromRemote(p)
	}, func(err error) {
		if s.subGen.Load() != gen {
			return
		}
		s.fail(err, id, "User subscription error")
	})
	if err != nil {
		s.fail(err, id, "Failed to subscribe to user")
		return err
	}
	s.subCancel = cancel
	return nil
}

// Unsubscribe stops following remote changes. Callbacks already in
// flight are ignored.
func (s *UserService) Unsubscribe() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.cancelLocked()
}

func (s *UserService) cancelLocked() {
	s.subGen.Add(1)
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
}

// Logout drops the user from memory and the cache.
func (s *UserService) Logout() error {
	s.Unsubscribe()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.state = UserLoggedOut
	if err := s.cache.ClearUser(); err != nil {
		return fmt.Errorf("failed to clear cached user: %w", err)
	}
	return nil
}

// Current returns a copy of the profile, or nil.
func (s *UserService) Current() *model.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone()
}

// State returns the lifecycle stage.
func (s *UserService) State() UserState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsLoggedIn reports whether a profile is loaded.
func (s *UserService) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// HasNicknameSet reports whether the user has confirmed a nickname.
func (s *UserService) HasNicknameSet() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.NicknameSet
}

// Rating returns the current rating, or 0 with no user.
func (s *UserService) Rating() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.Rating
}

// WinRate returns the rounded win percentage, or 0 with no user.
func (s *UserService) WinRate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return game.WinRate(s.user.Wins, s.user.GamesPlayed)
}

// Err returns the last remote failure, or nil.
func (s *UserService) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError resets the readable error flag.
func (s *UserService) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

func (s *UserService) authenticatedID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.user.Authenticated() {
		return "", ErrNotAuthenticated
	}
	if s.remote == nil {
		return "", ErrNoRemote
	}
	return s.user.ID, nil
}

func (s *UserService) fail(err error, userID, msg string) {
	log.Error().Err(err).Str("user_id", userID).Msg(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// persistLocked writes the current user to the cache. The cache is
// advisory, so failures are only logged. Callers hold s.mu.
func (s *UserService) persistLocked() {
	if s.user == nil {
		return
	}
	if err := s.cache.SaveUser(s.user); err != nil {
		log.Error().Err(err).Str("user_id", s.user.ID).Msg("Failed to cache user")
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
