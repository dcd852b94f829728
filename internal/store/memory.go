package store

import (
	"context"
	"sort"
	"sync"

	"test-your-luck/internal/model"
)

// GameLogEntry is one row of the global game log.
type GameLogEntry struct {
	UserID string
	Record model.GameRecord
}

// MemoryDocuments is an in-process Documents backend for development and tests.
// Failures can be injected per operation with FailWith.
type MemoryDocuments struct {
	mu       sync.RWMutex
	users    map[string]*model.UserProfile
	order    []string
	games    []GameLogEntry
	failures map[string]error
}

// NewMemoryDocuments creates an empty in-memory backend.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		users:    make(map[string]*model.UserProfile),
		failures: make(map[string]error),
	}
}

// FailWith makes every call of op return err until cleared with a nil err.
func (m *MemoryDocuments) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryDocuments) failure(op string) error {
	return m.failures[op]
}

// CreateUser stores a copy of profile, replacing any existing one.
func (m *MemoryDocuments) CreateUser(_ context.Context, profile *model.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpCreateUser); err != nil {
		return err
	}
	if _, ok := m.users[profile.ID]; !ok {
		m.order = append(m.order, profile.ID)
	}
	m.users[profile.ID] = profile.Clone()
	return nil
}

// GetUser returns a copy of the stored profile or ErrUserNotFound.
func (m *MemoryDocuments) GetUser(_ context.Context, id string) (*model.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetUser); err != nil {
		return nil, err
	}
	p, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return p.Clone(), nil
}

// UpdateUser applies update to the stored profile.
func (m *MemoryDocuments) UpdateUser(_ context.Context, id string, update model.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpUpdateUser); err != nil {
		return err
	}
	p, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	update.Apply(p)
	return nil
}

// AppendGame logs rec and folds it into the user's aggregate under one lock.
// The record is logged even when the profile does not exist.
func (m *MemoryDocuments) AppendGame(_ context.Context, userID string, rec model.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpAppendGame); err != nil {
		return err
	}
	m.games = append(m.games, GameLogEntry{UserID: userID, Record: rec})
	if p, ok := m.users[userID]; ok {
		p.ApplyGame(rec)
	}
	return nil
}

// QueryRanked returns eligible profiles, rating descending, insertion order on ties.
func (m *MemoryDocuments) QueryRanked(_ context.Context, minGames, limit int) ([]*model.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpQueryRanked); err != nil {
		return nil, err
	}

	var out []*model.UserProfile
	for _, id := range m.order {
		if p := m.users[id]; p.GamesPlayed >= minGames {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Games returns a copy of the global game log, oldest first.
func (m *MemoryDocuments) Games() []GameLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GameLogEntry, len(m.games))
	copy(out, m.games)
	return out
}
