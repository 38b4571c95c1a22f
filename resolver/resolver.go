// Package resolver maps front-end resources to backend session ids. Sessions
// are created lazily on first resolution; concurrent resolutions of the same
// resource are collapsed onto one in-flight creation so at most one backend
// session ever exists per resource. The mapping is owned by an explicit
// Resolver instance with a scope-bounded lifecycle so tests can run with
// isolated instances instead of a hidden process-wide map.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentbridge/agentbridge/backend"
	"github.com/agentbridge/agentbridge/telemetry"
)

type (
	// Resource is the addressable handle the outer framework uses to
	// identify a conversation. It is distinct from the backend session id.
	Resource struct {
		// URI uniquely addresses the resource.
		URI string
		// SessionID, when non-empty, is the authoritative backend session
		// id for resources opened from a previously listed session. It is
		// adopted directly without a lookup or creation.
		SessionID string
	}

	// Resolver owns the resource → backend session id mapping.
	// It is safe for concurrent use.
	Resolver struct {
		backend backend.Backend
		logger  telemetry.Logger

		// group collapses concurrent creations for the same resource URI.
		group singleflight.Group

		mu  sync.Mutex
		ids map[string]string
	}

	// Option configures a Resolver.
	Option func(*Resolver)
)

// WithLogger overrides the default no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New constructs a Resolver over the given backend.
func New(b backend.Backend, opts ...Option) (*Resolver, error) {
	if b == nil {
		return nil, errors.New("backend is required")
	}
	r := &Resolver{
		backend: b,
		logger:  telemetry.NewNoopLogger(),
		ids:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the backend session id for the resource, creating a backend
// session on first resolution. When the resource carries an authoritative id
// it is adopted without a backend call. Concurrent Resolve calls for the same
// never-before-seen resource observe a single in-flight creation and return
// the same id.
func (r *Resolver) Resolve(ctx context.Context, res Resource) (string, error) {
	if res.URI == "" {
		return "", errors.New("resource uri is required")
	}
	if res.SessionID != "" {
		r.mu.Lock()
		r.ids[res.URI] = res.SessionID
		r.mu.Unlock()
		return res.SessionID, nil
	}

	r.mu.Lock()
	if id, ok := r.ids[res.URI]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(res.URI, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// completed creation between the map miss and Do.
		r.mu.Lock()
		if id, ok := r.ids[res.URI]; ok {
			r.mu.Unlock()
			return id, nil
		}
		r.mu.Unlock()

		id, err := r.backend.CreateSession(ctx)
		if err != nil {
			return "", fmt.Errorf("create session for %s: %w", res.URI, err)
		}
		r.mu.Lock()
		r.ids[res.URI] = id
		r.mu.Unlock()
		r.logger.Info(ctx, "session created", "resource", res.URI, "session_id", id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Release removes the resource mapping and disposes the associated backend
// session. Releasing an unmapped resource is a no-op; an unknown-session
// disposal error from the backend is swallowed since the outcome is the same.
func (r *Resolver) Release(ctx context.Context, res Resource) error {
	r.mu.Lock()
	id, ok := r.ids[res.URI]
	delete(r.ids, res.URI)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.backend.DisposeSession(ctx, id); err != nil && !errors.Is(err, backend.ErrSessionNotFound) {
		return fmt.Errorf("dispose session %s: %w", id, err)
	}
	r.logger.Info(ctx, "session released", "resource", res.URI, "session_id", id)
	return nil
}
