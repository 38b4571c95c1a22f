package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/backend/inmem"
	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/invocation"
)

// recordSink collects surfaced updates. Safe for concurrent use: the feed
// delivers from the emitter's goroutine.
type recordSink struct {
	mu    sync.Mutex
	texts []string
	invs  []*invocation.ToolInvocation
}

func (s *recordSink) AppendText(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *recordSink) AppendInvocation(_ context.Context, inv *invocation.ToolInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invs = append(s.invs, inv)
}

func (s *recordSink) snapshot() ([]string, []*invocation.ToolInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...), append([]*invocation.ToolInvocation(nil), s.invs...)
}

// notifyBackend signals once SendMessage is acknowledged so tests emit
// progress only after the turn is in flight.
type notifyBackend struct {
	*inmem.Backend
	sent chan struct{}
}

func newNotifyBackend() *notifyBackend {
	return &notifyBackend{Backend: inmem.New(), sent: make(chan struct{}, 1)}
}

func (b *notifyBackend) SendMessage(ctx context.Context, sessionID, prompt string) error {
	err := b.Backend.SendMessage(ctx, sessionID, prompt)
	if err == nil {
		b.sent <- struct{}{}
	}
	return err
}

type runOutcome struct {
	res Result
	err error
}

func startTurn(t *testing.T, ctx context.Context, b *notifyBackend, sessionID string, sink Sink) <-chan runOutcome {
	t.Helper()
	c, err := NewCorrelator(b)
	require.NoError(t, err)
	out := make(chan runOutcome, 1)
	go func() {
		res, err := c.Run(ctx, sessionID, "prompt", sink)
		out <- runOutcome{res: res, err: err}
	}()
	select {
	case <-b.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("send was never acknowledged")
	}
	return out
}

func await(t *testing.T, out <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
		return runOutcome{}
	}
}

func TestRunStreamsDeltasInOrder(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.Delta{Content: "Hel"}))
	require.NoError(t, b.Emit(ctx, id, event.Delta{Content: "lo"}))
	require.NoError(t, b.Emit(ctx, id, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	require.Equal(t, StatusDone, o.res.Status)
	require.Empty(t, o.res.Invocations)
	texts, invs := sink.snapshot()
	require.Equal(t, []string{"Hel", "lo"}, texts)
	require.Empty(t, invs)
}

func TestRunToolLifecycle(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.ToolStart{ToolCallID: "1", ToolName: "ls", DisplayName: "List"}))
	require.NoError(t, b.Emit(ctx, id, event.ToolComplete{ToolCallID: "1", Success: true, PastTenseMessage: "Listed files"}))
	require.NoError(t, b.Emit(ctx, id, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	require.Equal(t, StatusDone, o.res.Status)
	require.Len(t, o.res.Invocations, 1)
	inv := o.res.Invocations[0]
	require.Equal(t, invocation.StatusCompleted, inv.Status)
	require.Equal(t, "Listed files", inv.PastTenseMessage)

	_, invs := sink.snapshot()
	require.Len(t, invs, 1)
	// The sink observed the same object that was later completed in place.
	require.Same(t, inv, invs[0])
}

func TestRunCancelFinalizesOutstanding(t *testing.T) {
	b := newNotifyBackend()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.ToolStart{ToolCallID: "7", ToolName: "fetch"}))
	cancel()

	o := await(t, out)
	require.NoError(t, o.err)
	require.Equal(t, StatusCanceled, o.res.Status)
	require.Len(t, o.res.Invocations, 1)
	require.Equal(t, invocation.StatusCompleted, o.res.Invocations[0].Status)
	require.Empty(t, o.res.Invocations[0].Output)
}

func TestRunCancelIdleRaceResolvesOnce(t *testing.T) {
	// Whichever of cancellation and idle lands first wins; either way Run
	// returns exactly once with a terminal status and no leaked invocation.
	for i := 0; i < 50; i++ {
		b := newNotifyBackend()
		ctx, cancel := context.WithCancel(context.Background())
		id, err := b.CreateSession(ctx)
		require.NoError(t, err)
		sink := &recordSink{}

		out := startTurn(t, ctx, b, id, sink)
		require.NoError(t, b.Emit(ctx, id, event.ToolStart{ToolCallID: "1", ToolName: "fetch"}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = b.Emit(context.Background(), id, event.Idle{})
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
		wg.Wait()

		o := await(t, out)
		require.NoError(t, o.err)
		require.Contains(t, []Status{StatusDone, StatusCanceled}, o.res.Status)
		require.Len(t, o.res.Invocations, 1)
		require.Equal(t, invocation.StatusCompleted, o.res.Invocations[0].Status)
	}
}

func TestRunSendFailureFailsTurn(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	boom := errors.New("agent unreachable")
	b.FailSends(boom)

	c, err := NewCorrelator(b)
	require.NoError(t, err)
	res, err := c.Run(ctx, id, "prompt", &recordSink{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Failure, boom)
	require.Empty(t, res.Invocations)
}

func TestRunIgnoresOtherSessions(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	mine, err := b.CreateSession(ctx)
	require.NoError(t, err)
	other, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, mine, sink)
	require.NoError(t, b.Emit(ctx, other, event.Delta{Content: "not yours"}))
	require.NoError(t, b.Emit(ctx, other, event.ToolStart{ToolCallID: "x", ToolName: "rm"}))
	require.NoError(t, b.Emit(ctx, other, event.Idle{}))
	require.NoError(t, b.Emit(ctx, mine, event.Delta{Content: "yours"}))
	require.NoError(t, b.Emit(ctx, mine, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	require.Equal(t, StatusDone, o.res.Status)
	require.Empty(t, o.res.Invocations)
	texts, invs := sink.snapshot()
	require.Equal(t, []string{"yours"}, texts)
	require.Empty(t, invs)
}

func TestRunDuplicateCompleteIdempotent(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.ToolStart{ToolCallID: "1", ToolName: "ls"}))
	require.NoError(t, b.Emit(ctx, id, event.ToolComplete{ToolCallID: "1", Success: true, PastTenseMessage: "first"}))
	require.NoError(t, b.Emit(ctx, id, event.ToolComplete{ToolCallID: "1", Success: false, PastTenseMessage: "second"}))
	require.NoError(t, b.Emit(ctx, id, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	require.Len(t, o.res.Invocations, 1)
	inv := o.res.Invocations[0]
	require.True(t, inv.Success)
	require.Equal(t, "first", inv.PastTenseMessage)
}

func TestRunOrphanCompleteIgnored(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.ToolComplete{ToolCallID: "ghost", Success: true}))
	require.NoError(t, b.Emit(ctx, id, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	require.Equal(t, StatusDone, o.res.Status)
	require.Empty(t, o.res.Invocations)
	_, invs := sink.snapshot()
	require.Empty(t, invs)
}

func TestRunAssistantMessageSurfacedAsText(t *testing.T) {
	b := newNotifyBackend()
	ctx := context.Background()
	id, err := b.CreateSession(ctx)
	require.NoError(t, err)
	sink := &recordSink{}

	out := startTurn(t, ctx, b, id, sink)
	require.NoError(t, b.Emit(ctx, id, event.Message{Role: event.RoleAssistant, Content: "done"}))
	require.NoError(t, b.Emit(ctx, id, event.Message{Role: event.RoleUser, Content: "echo"}))
	require.NoError(t, b.Emit(ctx, id, event.Idle{}))

	o := await(t, out)
	require.NoError(t, o.err)
	texts, _ := sink.snapshot()
	require.Equal(t, []string{"done"}, texts)
}

func TestRunCanceledBeforeSend(t *testing.T) {
	b := newNotifyBackend()
	ctx, cancel := context.WithCancel(context.Background())
	id, err := b.CreateSession(context.Background())
	require.NoError(t, err)
	cancel()

	c, err := NewCorrelator(b)
	require.NoError(t, err)
	res, err := c.Run(ctx, id, "prompt", &recordSink{})
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, res.Status)
}
