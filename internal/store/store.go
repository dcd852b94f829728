// Package store defines the remote document store consumed by the game
// services and composes a document backend with a change feed into one.
package store

import (
	"context"
	"errors"
	"fmt"

	"test-your-luck/internal/model"
)

// Operation names carried by StoreError.
const (
	OpCreateUser      = "create_user"
	OpGetUser         = "get_user"
	OpUpdateUser      = "update_user"
	OpAppendGame      = "append_game"
	OpQueryRanked     = "query_ranked"
	OpSubscribeUser   = "subscribe_user"
	OpSubscribeRanked = "subscribe_ranked"
)

// ErrUserNotFound is returned by document backends for a missing profile.
var ErrUserNotFound = errors.New("user not found")

// StoreError wraps any failure of a remote store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Cancel stops a subscription. Calling it more than once is safe.
type Cancel func()

// Store is the remote document store: profile CRUD, the atomic game append
// and realtime subscriptions. Every failure is a *StoreError.
type Store interface {
	CreateUser(ctx context.Context, id string, profile *model.UserProfile) error
	// GetUser returns nil, nil when the profile does not exist.
	GetUser(ctx context.Context, id string) (*model.UserProfile, error)
	UpdateUser(ctx context.Context, id string, update model.UserUpdate) error
	// AppendGame records rec in the global game log and folds it into the
	// user's counters and history as one unit.
	AppendGame(ctx context.Context, userID string, rec model.GameRecord) error
	// QueryRanked returns profiles with at least minGames plays, rating descending.
	QueryRanked(ctx context.Context, minGames, limit int) ([]*model.UserProfile, error)
	SubscribeUser(id string, onUpdate func(*model.UserProfile), onError func(error)) (Cancel, error)
	SubscribeRanked(minGames, limit int, onUpdate func([]*model.UserProfile), onError func(error)) (Cancel, error)
}

// Documents is the persistence half of a Store.
// CreateUser overwrites an existing profile with the same ID.
type Documents interface {
	CreateUser(ctx context.Context, profile *model.UserProfile) error
	GetUser(ctx context.Context, id string) (*model.UserProfile, error)
	UpdateUser(ctx context.Context, id string, update model.UserUpdate) error
	AppendGame(ctx context.Context, userID string, rec model.GameRecord) error
	QueryRanked(ctx context.Context, minGames, limit int) ([]*model.UserProfile, error)
}
