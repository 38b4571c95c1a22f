// Package feed delivers agent progress events to subscribers in a fan-out
// pattern. One feed is shared by every active session: envelopes for all
// sessions travel over it interleaved, and each subscriber filters by the
// session id on the envelope. Per-session emission order is preserved by
// publishing each session's events from a single goroutine; no ordering is
// guaranteed between sessions.
//
// The feed is read-only and fan-out only from the consumer's point of view:
// subscribers observe envelopes but never mutate shared state through the
// feed itself.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/agentbridge/agentbridge/event"
)

type (
	// Feed publishes progress envelopes to registered subscribers.
	// Implementations are safe for concurrent Publish and Register calls.
	Feed interface {
		// Publish delivers the envelope to every currently registered
		// subscriber in registration-snapshot order. Delivery stops at the
		// first subscriber error and that error is returned to the
		// publisher.
		Publish(ctx context.Context, env event.Envelope) error

		// Register adds a subscriber and returns a Subscription used to
		// unregister it. Returns an error when sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published envelopes. HandleEvent is invoked
	// synchronously in the publisher's goroutine; implementations that do
	// non-trivial work should hand off quickly. Returning an error halts
	// delivery of the current envelope to remaining subscribers, so
	// non-critical failures should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, env event.Envelope) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, env event.Envelope) error

	// Subscription is an active registration. Close removes the subscriber
	// from the feed; it is idempotent and safe to call concurrently with
	// Publish.
	Subscription interface {
		Close() error
	}

	// InMemory is the in-process Feed implementation. The zero value is not
	// usable; construct with NewInMemory.
	InMemory struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		feed *InMemory
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, env event.Envelope) error {
	return f(ctx, env)
}

// NewInMemory constructs an empty in-process feed ready for use.
func NewInMemory() *InMemory {
	return &InMemory{subscribers: make(map[*subscription]Subscriber)}
}

// Publish implements Feed. The subscriber set is snapshotted before
// iteration, so registrations and closes during a Publish do not affect the
// in-flight delivery.
func (f *InMemory) Publish(ctx context.Context, env event.Envelope) error {
	f.mu.RLock()
	subs := make([]Subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Feed.
func (f *InMemory) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{feed: f}
	f.mu.Lock()
	f.subscribers[s] = sub
	f.mu.Unlock()
	return s, nil
}

// Close implements Subscription. After Close returns the subscriber receives
// no new envelopes, though one already being delivered may still arrive.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subscribers, s)
		s.feed.mu.Unlock()
	})
	return nil
}
