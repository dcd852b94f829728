// Package lock provides keyed locking. Game sessions take one key each so
// a session never has two plays in flight at the same time.
package lock

import (
	"sync"
)

// UserLock holds one mutex per key.
type UserLock struct {
	locks sync.Map // map[string]*sync.Mutex
}

// NewUserLock creates a new UserLock instance.
func NewUserLock() *UserLock {
	return &UserLock{}
}

func (ul *UserLock) getLock(userID string) *sync.Mutex {
	if v, ok := ul.locks.Load(userID); ok {
		return v.(*sync.Mutex)
	}
	actual, _ := ul.locks.LoadOrStore(userID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Lock acquires the lock for a user, blocking until it is free.
func (ul *UserLock) Lock(userID string) {
	ul.getLock(userID).Lock()
}

// Unlock releases the lock for a user.
func (ul *UserLock) Unlock(userID string) {
	if v, ok := ul.locks.Load(userID); ok {
		v.(*sync.Mutex).Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (ul *UserLock) TryLock(userID string) bool {
	return ul.getLock(userID).TryLock()
}

// WithLock executes fn while holding the user's lock.
func (ul *UserLock) WithLock(userID string, fn func() error) error {
	ul.Lock(userID)
	defer ul.Unlock(userID)
	return fn()
}

// IsLocked reports whether the user's lock is currently held.
// This is a point-in-time check and may change immediately after.
func (ul *UserLock) IsLocked(userID string) bool {
	v, ok := ul.locks.Load(userID)
	if !ok {
		return false
	}
	mu := v.(*sync.Mutex)
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}
