// Package turn correlates the live progress feed into a single cancellable
// turn: one request/response cycle from SendMessage to the terminal idle,
// cancellation, or failure. Each turn is an explicit finite-state machine
//
//	Sending → Streaming → Done | Canceled | Failed
//
// driven by feed envelopes filtered to the turn's session. Deltas and tool
// lifecycle updates are surfaced to the consumer in arrival order with no
// buffering across event kinds, and every turn ends with its outstanding
// tool invocations force-finalized so consumers never observe a leaked
// pending invocation.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/backend"
	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/feed"
	"github.com/agentbridge/agentbridge/ident"
	"github.com/agentbridge/agentbridge/invocation"
	"github.com/agentbridge/agentbridge/telemetry"
)

type (
	// Sink receives live updates for one turn. Calls arrive in feed order
	// from the publisher's goroutine; implementations should hand off
	// quickly. Invocation pointers passed to AppendInvocation are mutated
	// in place when their completion arrives, so renderers observe status
	// changes without the part moving.
	Sink interface {
		// AppendText surfaces a streamed content fragment.
		AppendText(ctx context.Context, text string)

		// AppendInvocation surfaces a tool call the moment it starts.
		AppendInvocation(ctx context.Context, inv *invocation.ToolInvocation)
	}

	// Result is the terminal snapshot of a turn, returned by Run for
	// caller-side logging and retry policy.
	Result struct {
		// Status is the terminal state: Done, Canceled, or Failed.
		Status Status
		// Failure carries the send rejection for failed turns, nil
		// otherwise.
		Failure error
		// Invocations lists every tool invocation observed during the
		// turn, in start order. All are completed by the time Run returns.
		Invocations []*invocation.ToolInvocation
	}

	// Correlator runs turns against a backend. It holds no per-turn state
	// and is safe for concurrent Run calls across sessions.
	Correlator struct {
		backend backend.Backend
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Option configures a Correlator.
	Option func(*Correlator)

	// Status represents the lifecycle state of a turn.
	Status string

	// state is the per-turn accumulator shared between the feed callback
	// and the awaiting Run goroutine.
	state struct {
		sessionID string
		turnID    string
		sink      Sink
		logger    telemetry.Logger

		mu sync.Mutex
		// byID indexes every invocation observed this turn.
		byID map[string]*invocation.ToolInvocation
		// order preserves invocation start order for the Result.
		order []*invocation.ToolInvocation
		// outstanding holds started-but-not-completed invocations.
		outstanding map[string]*invocation.ToolInvocation
		status      Status
		failure     error

		// once guards the terminal transition: whichever of idle,
		// cancellation, or send failure happens first wins and the others
		// are no-ops against the already-closed done channel.
		once sync.Once
		done chan struct{}
	}
)

const (
	// StatusSending indicates the prompt is being dispatched to the backend.
	StatusSending Status = "sending"
	// StatusStreaming indicates the send was acknowledged and progress
	// events are being consumed.
	StatusStreaming Status = "streaming"
	// StatusDone indicates the turn observed its idle event.
	StatusDone Status = "done"
	// StatusCanceled indicates the turn was canceled before idle.
	StatusCanceled Status = "canceled"
	// StatusFailed indicates the send was rejected; the agent process will
	// produce no idle for this turn.
	StatusFailed Status = "failed"
)

// WithLogger overrides the default no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(c *Correlator) { c.metrics = metrics }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(c *Correlator) { c.tracer = tracer }
}

// NewCorrelator constructs a Correlator over the given backend.
func NewCorrelator(b backend.Backend, opts ...Option) (*Correlator, error) {
	if b == nil {
		return nil, errors.New("backend is required")
	}
	c := &Correlator{
		backend: b,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes one turn: it dispatches the prompt on the session and consumes
// the shared progress feed until the turn's idle event, ctx cancellation, or
// a send rejection, whichever comes first. Envelopes tagged with other
// session ids never affect the turn. Run blocks until the turn is terminal
// and returns its Result; the returned error is non-nil only when the send
// was rejected, in which case the turn is reported as Failed rather than
// retried. Cancellation is not an error.
//
// The correlator imposes no timeout: a turn that never goes idle and is never
// canceled waits indefinitely. Callers own watchdog policy via ctx.
func (c *Correlator) Run(ctx context.Context, sessionID, prompt string, sink Sink) (Result, error) {
	if sessionID == "" {
		return Result{}, errors.New("session id is required")
	}
	if sink == nil {
		return Result{}, errors.New("sink is required")
	}

	st := &state{
		sessionID:   sessionID,
		turnID:      ident.Turn(),
		sink:        sink,
		logger:      c.logger,
		byID:        make(map[string]*invocation.ToolInvocation),
		outstanding: make(map[string]*invocation.ToolInvocation),
		status:      StatusSending,
		done:        make(chan struct{}),
	}

	ctx, span := c.tracer.Start(ctx, "turn.run")
	defer span.End()
	started := time.Now()

	// Subscribe before dispatch so events arriving immediately after the
	// send acknowledgement cannot slip past the turn.
	sub, err := c.backend.Progress().Register(subscriberFor(st))
	if err != nil {
		return Result{}, fmt.Errorf("register progress subscriber: %w", err)
	}
	defer sub.Close()

	if err := ctx.Err(); err != nil {
		st.finish(ctx, StatusCanceled, nil)
		return c.settle(ctx, st, started), nil
	}

	c.logger.Debug(ctx, "turn sending", "session_id", sessionID, "turn_id", st.turnID)
	if err := c.backend.SendMessage(ctx, sessionID, prompt); err != nil {
		// The agent process will not produce an idle for a rejected send:
		// end the turn here so the consumer never hangs.
		st.finish(ctx, StatusFailed, err)
		res := c.settle(ctx, st, started)
		span.RecordError(err)
		return res, fmt.Errorf("send message: %w", err)
	}
	st.setStatus(StatusStreaming)
	c.logger.Debug(ctx, "turn streaming", "session_id", sessionID, "turn_id", st.turnID)

	select {
	case <-st.done:
	case <-ctx.Done():
		st.finish(ctx, StatusCanceled, nil)
	}
	return c.settle(ctx, st, started), nil
}

// settle snapshots the terminal result and records turn telemetry.
func (c *Correlator) settle(ctx context.Context, st *state, started time.Time) Result {
	res := st.result()
	c.metrics.RecordTimer("turn.duration", time.Since(started), "status", string(res.Status))
	c.metrics.IncCounter("turn.tool_calls", float64(len(res.Invocations)))
	c.logger.Info(ctx, "turn finished",
		"session_id", st.sessionID,
		"turn_id", st.turnID,
		"status", string(res.Status),
		"tool_calls", len(res.Invocations),
	)
	return res
}

// subscriberFor adapts the turn state to the feed subscriber contract.
// Handling never returns an error: a broken turn must not halt feed delivery
// to other sessions.
func subscriberFor(st *state) feed.Subscriber {
	return feed.SubscriberFunc(func(ctx context.Context, env event.Envelope) error {
		st.handle(ctx, env)
		return nil
	})
}

// handle processes one feed envelope. Envelopes for other sessions and
// envelopes arriving after the turn is terminal are ignored.
func (st *state) handle(ctx context.Context, env event.Envelope) {
	if env.SessionID != st.sessionID {
		return
	}
	switch ev := env.Event.(type) {
	case event.Delta:
		if st.terminal() {
			return
		}
		st.sink.AppendText(ctx, ev.Content)
	case event.Message:
		// Complete assistant messages occasionally arrive on the feed in
		// place of deltas; surface them the same way. The user echo of the
		// prompt carries nothing new.
		if st.terminal() || ev.Role != event.RoleAssistant || ev.Content == "" {
			return
		}
		st.sink.AppendText(ctx, ev.Content)
	case event.ToolStart:
		if st.terminal() {
			return
		}
		inv := invocation.Start(ev)
		st.mu.Lock()
		st.byID[ev.ToolCallID] = inv
		st.order = append(st.order, inv)
		st.outstanding[ev.ToolCallID] = inv
		st.mu.Unlock()
		st.sink.AppendInvocation(ctx, inv)
	case event.ToolComplete:
		st.mu.Lock()
		inv, ok := st.byID[ev.ToolCallID]
		if ok {
			invocation.Complete(inv, ev)
			delete(st.outstanding, ev.ToolCallID)
		}
		st.mu.Unlock()
		if !ok {
			st.logger.Debug(ctx, "orphan tool completion discarded",
				"session_id", st.sessionID,
				"turn_id", st.turnID,
				"tool_call_id", ev.ToolCallID,
			)
		}
	case event.Idle:
		st.finish(ctx, StatusDone, nil)
	}
}

// finish performs the terminal transition exactly once: outstanding
// invocations are force-finalized, the status and failure are recorded, and
// the done channel closes. Later calls are no-ops, which makes an idle that
// races a cancellation harmless.
func (st *state) finish(ctx context.Context, status Status, failure error) {
	st.once.Do(func() {
		st.mu.Lock()
		for id, inv := range st.outstanding {
			invocation.ForceFinalize(inv)
			delete(st.outstanding, id)
		}
		st.status = status
		st.failure = failure
		st.mu.Unlock()
		close(st.done)
	})
}

func (st *state) setStatus(status Status) {
	st.mu.Lock()
	// Don't regress a turn that went terminal while the send ack was in
	// flight.
	if st.status == StatusSending {
		st.status = status
	}
	st.mu.Unlock()
}

func (st *state) terminal() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

func (st *state) result() Result {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Result{
		Status:      st.status,
		Failure:     st.failure,
		Invocations: append([]*invocation.ToolInvocation(nil), st.order...),
	}
}
