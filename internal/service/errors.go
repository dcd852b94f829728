// Package service implements the game session, user state and ranking logic.
package service

import "errors"

// Precondition errors. These are returned before any state changes and
// never set a service's readable error flag.
var (
	ErrNoActiveUser      = errors.New("no active user")
	ErrNotAuthenticated  = errors.New("no authenticated user")
	ErrPlayInProgress    = errors.New("a play is already in progress")
	ErrInvalidPrediction = errors.New("prediction must be heads or tails")
	ErrEmptyNickname     = errors.New("nickname must not be empty")
	ErrNoRemote          = errors.New("remote store not configured")
)
