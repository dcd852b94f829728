// Package pubsub carries profile change notifications between the remote
// store and its subscribers.
package pubsub

import (
	"context"
	"sync"
)

// Event types.
const (
	EventUserCreated  = "user.created"
	EventUserUpdated  = "user.updated"
	EventGameAppended = "game.appended"
)

// Event announces that a user document changed.
type Event struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Feed publishes change events and fans them out to subscribers.
// Subscribe returns a cancel func; after it returns no further callbacks
// are started for that subscription.
type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(onEvent func(Event), onError func(error)) (cancel func(), err error)
	Close()
}

// Local is an in-process Feed. Publish delivers synchronously on the
// caller's goroutine.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
	closed bool
}

// NewLocal creates an in-process feed.
func NewLocal() *Local {
	return &Local{subs: make(map[int]func(Event))}
}

// Publish delivers event to every current subscriber.
func (l *Local) Publish(_ context.Context, event Event) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		// Re-check so a subscriber cancelled mid-fan-out is skipped.
		l.mu.RLock()
		fn, ok := l.subs[id]
		l.mu.RUnlock()
		if ok {
			fn(event)
		}
	}
	return nil
}

// Subscribe registers onEvent. Local delivery never fails, so onError is unused.
func (l *Local) Subscribe(onEvent func(Event), _ func(error)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	id := l.nextID
	l.nextID++
	l.subs[id] = onEvent

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}, nil
}

// SubscriberCount returns the number of active subscriptions.
func (l *Local) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Close drops all subscribers.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[int]func(Event))
}
