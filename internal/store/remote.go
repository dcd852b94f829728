package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"test-your-luck/internal/model"
	"test-your-luck/internal/pubsub"
)

// refreshTimeout bounds the re-read a subscription performs per change event.
const refreshTimeout = 10 * time.Second

// Remote is a Store built from a Documents backend and a change feed.
// Every successful write publishes a pubsub.Event; subscriptions re-read
// the affected documents when an event arrives.
type Remote struct {
	docs Documents
	feed pubsub.Feed
}

// NewRemote composes docs and feed into a Store.
func NewRemote(docs Documents, feed pubsub.Feed) *Remote {
	return &Remote{docs: docs, feed: feed}
}

// CreateUser writes profile under id.
func (r *Remote) CreateUser(ctx context.Context, id string, profile *model.UserProfile) error {
	doc := profile.Clone()
	doc.ID = id
	if err := r.docs.CreateUser(ctx, doc); err != nil {
		return wrap(OpCreateUser, err)
	}
	r.notify(ctx, pubsub.EventUserCreated, id)
	return nil
}

// GetUser returns the profile stored under id, or nil when there is none.
func (r *Remote) GetUser(ctx context.Context, id string) (*model.UserProfile, error) {
	p, err := r.docs.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		return nil, wrap(OpGetUser, err)
	}
	return p, nil
}

// UpdateUser applies a partial update.
func (r *Remote) UpdateUser(ctx context.Context, id string, update model.UserUpdate) error {
	if err := r.docs.UpdateUser(ctx, id, update); err != nil {
		return wrap(OpUpdateUser, err)
	}
	r.notify(ctx, pubsub.EventUserUpdated, id)
	return nil
}

// AppendGame records a play atomically.
func (r *Remote) AppendGame(ctx context.Context, userID string, rec model.GameRecord) error {
	if err := r.docs.AppendGame(ctx, userID, rec); err != nil {
		return wrap(OpAppendGame, err)
	}
	r.notify(ctx, pubsub.EventGameAppended, userID)
	return nil
}

// QueryRanked returns eligible profiles ordered by rating descending.
func (r *Remote) QueryRanked(ctx context.Context, minGames, limit int) ([]*model.UserProfile, error) {
	users, err := r.docs.QueryRanked(ctx, minGames, limit)
	if err != nil {
		return nil, wrap(OpQueryRanked, err)
	}
	return users, nil
}

// SubscribeUser delivers the current profile immediately and again after
// every change to it. A missing profile is delivered as nil.
func (r *Remote) SubscribeUser(id string, onUpdate func(*model.UserProfile), onError func(error)) (Cancel, error) {
	sub := newSubscription(onError)
	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		p, err := r.GetUser(ctx, id)
		sub.run(func() {
			if err != nil {
				sub.fail(wrap(OpSubscribeUser, err))
				return
			}
			onUpdate(p)
		})
	}

	stop, err := r.feed.Subscribe(func(e pubsub.Event) {
		if e.UserID == id {
			deliver()
		}
	}, func(err error) { sub.run(func() { sub.fail(wrap(OpSubscribeUser, err)) }) })
	if err != nil {
		return nil, wrap(OpSubscribeUser, err)
	}
	sub.stop = stop

	deliver()
	return sub.cancel, nil
}

// SubscribeRanked delivers the ranked query result immediately and again
// after any profile change.
func (r *Remote) SubscribeRanked(minGames, limit int, onUpdate func([]*model.UserProfile), onError func(error)) (Cancel, error) {
	sub := newSubscription(onError)
	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		users, err := r.QueryRanked(ctx, minGames, limit)
		sub.run(func() {
			if err != nil {
				sub.fail(wrap(OpSubscribeRanked, err))
				return
			}
			onUpdate(users)
		})
	}

	stop, err := r.feed.Subscribe(func(pubsub.Event) {
		deliver()
	}, func(err error) { sub.run(func() { sub.fail(wrap(OpSubscribeRanked, err)) }) })
	if err != nil {
		return nil, wrap(OpSubscribeRanked, err)
	}
	sub.stop = stop

	deliver()
	return sub.cancel, nil
}

// notify publishes a change event. The write already succeeded, so a
// publish failure is logged and otherwise ignored.
func (r *Remote) notify(ctx context.Context, eventType, userID string) {
	if err := r.feed.Publish(ctx, pubsub.Event{Type: eventType, UserID: userID}); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("event", eventType).Msg("Failed to publish change event")
	}
}

// subscription serializes callbacks and drops them once cancelled.
type subscription struct {
	mu        sync.Mutex
	cancelled atomic.Bool
	stop      func()
	onError   func(error)
}

func newSubscription(onError func(error)) *subscription {
	return &subscription{onError: onError}
}

func (s *subscription) run(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled.Load() {
		return
	}
	fn()
}

func (s *subscription) fail(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *subscription) cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	if s.stop != nil {
		s.stop()
	}
}
