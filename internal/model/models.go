// Package model defines the data models for the coin-flip game.
package model

import "time"

// Side is one face of the coin.
type Side string

// Coin sides.
const (
	Heads Side = "heads"
	Tails Side = "tails"
)

// Valid reports whether s is heads or tails.
func (s Side) Valid() bool {
	return s == Heads || s == Tails
}

// Outcome is the result of comparing a prediction with the flipped side.
type Outcome string

// Game outcomes.
const (
	Win  Outcome = "win"
	Lose Outcome = "lose"
)

// GameRecord is an immutable record of one play.
// RatingDelta is the unsigned magnitude; Outcome decides its sign.
type GameRecord struct {
	ID          string    `json:"id"`
	Prediction  Side      `json:"prediction"`
	Result      Side      `json:"result"`
	Outcome     Outcome   `json:"outcome"`
	RatingDelta int       `json:"ratingDelta"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserProfile is a player's aggregate: rating, counters and recent history.
// History is ordered most-recent-first.
type UserProfile struct {
	ID          string       `json:"id"`
	AuthID      string       `json:"authId,omitempty"`
	Nickname    string       `json:"nickname"`
	Email       string       `json:"email,omitempty"`
	AvatarURL   string       `json:"avatarUrl,omitempty"`
	Rating      int          `json:"rating"`
	GamesPlayed int          `json:"gamesPlayed"`
	Wins        int          `json:"wins"`
	Losses      int          `json:"losses"`
	History     []GameRecord `json:"history"`
	CreatedAt   time.Time    `json:"createdAt"`
	NicknameSet bool         `json:"nicknameSet"`
}

// Authenticated reports whether the profile is bound to an external identity.
func (p *UserProfile) Authenticated() bool {
	return p != nil && p.AuthID != ""
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	if p.History != nil {
		c.History = make([]GameRecord, len(p.History))
		copy(c.History, p.History)
	}
	return &c
}

// RankingEntry is a read-only leaderboard row derived from a UserProfile.
type RankingEntry struct {
	UserID      string `json:"userId"`
	Nickname    string `json:"nickname"`
	Rating      int    `json:"rating"`
	GamesPlayed int    `json:"gamesPlayed"`
	WinRate     int    `json:"winRate"`
	Rank        int    `json:"rank"`
	Percentile  int    `json:"percentile"`
}

// UserUpdate is a partial profile update. Nil fields are left unchanged.
type UserUpdate struct {
	Nickname    *string `json:"nickname,omitempty"`
	Email       *string `json:"email,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	Rating      *int    `json:"rating,omitempty"`
	NicknameSet *bool   `json:"nicknameSet,omitempty"`
}

// Apply copies the non-nil fields of u onto p.
func (u UserUpdate) Apply(p *UserProfile) {
	if u.Nickname != nil {
		p.Nickname = *u.Nickname
	}
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.Rating != nil {
		p.Rating = *u.Rating
	}
	if u.NicknameSet != nil {
		p.NicknameSet = *u.NicknameSet
	}
}

// Empty reports whether the update carries no fields.
func (u UserUpdate) Empty() bool {
	return u.Nickname == nil && u.Email == nil && u.AvatarURL == nil &&
		u.Rating == nil && u.NicknameSet == nil
}

// HistoryLimit caps the number of records kept in UserProfile.History.
const HistoryLimit = 100

// ApplyGame prepends rec to the history, truncating it to HistoryLimit,
// and bumps GamesPlayed plus the matching win or loss counter.
// The rating is left to the caller.
func (p *UserProfile) ApplyGame(rec GameRecord) {
	history := make([]GameRecord, 0, min(len(p.History)+1, HistoryLimit))
	history = append(history, rec)
	for _, r := range p.History {
		if len(history) == HistoryLimit {
			break
		}
		history = append(history, r)
	}
	p.History = history

	p.GamesPlayed++
	if rec.Outcome == Win {
		p.Wins++
	} else {
		p.Losses++
	}
}
