// Package inmem provides an in-memory Backend implementation. It is intended
// for tests and local development: sessions live in a mutex-guarded map,
// SendMessage appends the prompt to the session log, and tests script agent
// output by emitting events through Emit.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/agentbridge/backend"
	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/feed"
)

type (
	// Backend is an in-memory implementation of backend.Backend.
	// It is safe for concurrent use.
	Backend struct {
		mu       sync.Mutex
		sessions map[string]*session
		feed     *feed.InMemory

		// sendErr, when set, makes SendMessage fail. Tests use this to
		// exercise the failed-turn path.
		sendErr error
	}

	session struct {
		id        string
		createdAt time.Time
		events    []event.Event
	}
)

// New returns an empty in-memory backend with its own progress feed.
func New() *Backend {
	return &Backend{
		sessions: make(map[string]*session),
		feed:     feed.NewInMemory(),
	}
}

// CreateSession implements backend.Backend.
func (b *Backend) CreateSession(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := "session-" + uuid.NewString()
	b.sessions[id] = &session{id: id, createdAt: time.Now().UTC()}
	return id, nil
}

// DisposeSession implements backend.Backend.
func (b *Backend) DisposeSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; !ok {
		return backend.ErrSessionNotFound
	}
	delete(b.sessions, sessionID)
	return nil
}

// ListSessions implements backend.Backend. Summaries are ordered by creation
// time so listings are stable.
func (b *Backend) ListSessions(context.Context) ([]backend.SessionSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.SessionSummary, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, backend.SessionSummary{ID: s.id, CreatedAt: s.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SessionMessages implements backend.Backend.
func (b *Backend) SessionMessages(_ context.Context, sessionID string) ([]event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return nil, backend.ErrSessionNotFound
	}
	return append([]event.Event(nil), s.events...), nil
}

// SendMessage implements backend.Backend. The prompt is recorded as a user
// message in the session log so later reconstructions see it.
func (b *Backend) SendMessage(_ context.Context, sessionID, prompt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	s, ok := b.sessions[sessionID]
	if !ok {
		return backend.ErrSessionNotFound
	}
	s.events = append(s.events, event.Message{Role: event.RoleUser, Content: prompt})
	return nil
}

// Progress implements backend.Backend.
func (b *Backend) Progress() feed.Feed {
	return b.feed
}

// Emit records the event in the session log when the session exists and
// publishes it on the progress feed. Tests use Emit to script agent output.
func (b *Backend) Emit(ctx context.Context, sessionID string, ev event.Event) error {
	b.mu.Lock()
	if s, ok := b.sessions[sessionID]; ok {
		s.events = append(s.events, ev)
	}
	b.mu.Unlock()
	return b.feed.Publish(ctx, event.Envelope{SessionID: sessionID, Event: ev})
}

// Seed creates a session with the given id and historical events, for tests
// that open resources over pre-existing sessions.
func (b *Backend) Seed(sessionID string, events ...event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &session{
		id:        sessionID,
		createdAt: time.Now().UTC(),
		events:    append([]event.Event(nil), events...),
	}
}

// FailSends makes subsequent SendMessage calls return err. Passing nil
// restores normal behavior.
func (b *Backend) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}
