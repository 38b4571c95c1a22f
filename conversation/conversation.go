// Package conversation composes the resolver, history reconstructor, and
// turn correlator into the per-resource surface consumed by the outer chat
// framework: open a resource, replay its history, run cancellable turns, and
// dispose.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentbridge/agentbridge/backend"
	"github.com/agentbridge/agentbridge/history"
	"github.com/agentbridge/agentbridge/resolver"
	"github.com/agentbridge/agentbridge/telemetry"
	"github.com/agentbridge/agentbridge/turn"
)

type (
	// Orchestrator owns the process-wide resolver and correlator and opens
	// per-resource conversations over them. It is safe for concurrent use;
	// conversations for different resources run their turns independently.
	Orchestrator struct {
		backend    backend.Backend
		resolver   *resolver.Resolver
		correlator *turn.Correlator
		logger     telemetry.Logger
	}

	// Conversation is the per-resource contract: reconstructed history,
	// a request handler, an interrupt callback, and disposal.
	Conversation struct {
		orch     *Orchestrator
		resource resolver.Resource
		history  []history.Item

		mu       sync.Mutex
		cancel   context.CancelFunc
		disposed bool
	}

	// Option configures an Orchestrator.
	Option func(*options)

	options struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}
)

var (
	// ErrTurnActive is returned by HandleRequest while another turn is
	// live on the conversation. One turn per conversation at a time;
	// callers interrupt or wait rather than racing sends.
	ErrTurnActive = errors.New("conversation already has an active turn")

	// ErrDisposed is returned by HandleRequest after Dispose.
	ErrDisposed = errors.New("conversation disposed")
)

// WithLogger overrides the default no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// New constructs an Orchestrator over the given backend.
func New(b backend.Backend, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, errors.New("backend is required")
	}
	cfg := options{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	res, err := resolver.New(b, resolver.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	corr, err := turn.NewCorrelator(b,
		turn.WithLogger(cfg.logger),
		turn.WithMetrics(cfg.metrics),
		turn.WithTracer(cfg.tracer),
	)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		backend:    b,
		resolver:   res,
		correlator: corr,
		logger:     cfg.logger,
	}, nil
}

// Sessions lists the sessions known to the agent process, for pickers that
// open resources over pre-existing sessions.
func (o *Orchestrator) Sessions(ctx context.Context) ([]backend.SessionSummary, error) {
	return o.backend.ListSessions(ctx)
}

// Open returns the conversation for the resource. Resources carrying an
// authoritative session id have their history fetched and reconstructed once
// here; brand-new resources skip the pointless empty-history fetch and get a
// backend session lazily on their first request.
func (o *Orchestrator) Open(ctx context.Context, res resolver.Resource) (*Conversation, error) {
	if res.URI == "" {
		return nil, errors.New("resource uri is required")
	}
	c := &Conversation{orch: o, resource: res}
	if res.SessionID != "" {
		events, err := o.backend.SessionMessages(ctx, res.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s history: %w", res.SessionID, err)
		}
		c.history = history.Reconstruct(events)
		o.logger.Debug(ctx, "conversation opened",
			"resource", res.URI,
			"session_id", res.SessionID,
			"history_items", len(c.history),
		)
	}
	return c, nil
}

// History returns the items reconstructed when the conversation was opened.
// Empty for brand-new resources.
func (c *Conversation) History() []history.Item {
	return c.history
}

// HandleRequest runs one turn: it resolves the backend session (creating it
// on the first request of a brand-new resource), dispatches the prompt, and
// streams updates to the sink until the turn is terminal. A second request
// while a turn is live fails with ErrTurnActive instead of queuing or racing.
func (c *Conversation) HandleRequest(ctx context.Context, prompt string, sink turn.Sink) (turn.Result, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return turn.Result{}, ErrDisposed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return turn.Result{}, ErrTurnActive
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	sessionID, err := c.orch.resolver.Resolve(turnCtx, c.resource)
	if err != nil {
		return turn.Result{}, fmt.Errorf("resolve %s: %w", c.resource.URI, err)
	}
	return c.orch.correlator.Run(turnCtx, sessionID, prompt, sink)
}

// Interrupt cancels the live turn, if any, and reports whether one was
// active. The interrupted turn finishes through its normal cancellation path:
// outstanding invocations finalize and HandleRequest returns a Canceled
// result.
func (c *Conversation) Interrupt() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Dispose interrupts any live turn, releases the resource mapping, and
// disposes the backend session. Subsequent requests fail with ErrDisposed;
// disposing twice is a no-op.
func (c *Conversation) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.orch.resolver.Release(ctx, c.resource)
}
