// Package backend declares the external agent-process capability consumed by
// the orchestrator: session lifecycle, message dispatch, session-scoped
// history retrieval, and the shared progress feed. The wire transport behind
// the capability is the caller's concern; this package only fixes the shape.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/feed"
)

type (
	// Backend is the injected agent-process capability.
	//
	// Contract:
	//   - SendMessage acknowledges enqueueing only; the resulting content
	//     arrives later on the progress feed tagged with the session id.
	//   - SessionMessages returns the session's historical events in
	//     emission order, suitable for history reconstruction.
	//   - Progress returns the single feed shared by all sessions.
	Backend interface {
		// CreateSession provisions a new backend session and returns its id.
		CreateSession(ctx context.Context) (string, error)

		// DisposeSession releases the backend session. Disposing an unknown
		// session returns ErrSessionNotFound.
		DisposeSession(ctx context.Context, sessionID string) error

		// ListSessions enumerates sessions known to the agent process.
		ListSessions(ctx context.Context) ([]SessionSummary, error)

		// SessionMessages returns the ordered historical event log for one
		// session. Returns ErrSessionNotFound for unknown sessions.
		SessionMessages(ctx context.Context, sessionID string) ([]event.Event, error)

		// SendMessage enqueues a user prompt on the session. A nil return
		// confirms enqueueing, not completion; rejection is terminal for
		// the turn being started.
		SendMessage(ctx context.Context, sessionID, prompt string) error

		// Progress returns the shared broadcast feed carrying progress
		// envelopes for every session.
		Progress() feed.Feed
	}

	// SessionSummary describes an existing backend session, as returned by
	// ListSessions. Resources opened from a listed session carry the
	// authoritative session id and skip lazy creation.
	SessionSummary struct {
		// ID is the backend session identifier.
		ID string
		// Label is an optional human-facing title for pickers.
		Label string
		// CreatedAt records when the session was created, when known.
		CreatedAt time.Time
	}
)

// ErrSessionNotFound indicates the backend has no session with the given id.
var ErrSessionNotFound = errors.New("session not found")
