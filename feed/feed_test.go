package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/event"
)

func TestPublishFansOut(t *testing.T) {
	f := NewInMemory()
	var a, b []event.Envelope
	subA, err := f.Register(SubscriberFunc(func(_ context.Context, env event.Envelope) error {
		a = append(a, env)
		return nil
	}))
	require.NoError(t, err)
	defer subA.Close()
	subB, err := f.Register(SubscriberFunc(func(_ context.Context, env event.Envelope) error {
		b = append(b, env)
		return nil
	}))
	require.NoError(t, err)
	defer subB.Close()

	env := event.Envelope{SessionID: "s1", Event: event.Delta{Content: "hi"}}
	require.NoError(t, f.Publish(context.Background(), env))
	require.Equal(t, []event.Envelope{env}, a)
	require.Equal(t, []event.Envelope{env}, b)
}

func TestRegisterNilSubscriber(t *testing.T) {
	f := NewInMemory()
	_, err := f.Register(nil)
	require.Error(t, err)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	f := NewInMemory()
	boom := errors.New("boom")
	sub, err := f.Register(SubscriberFunc(func(context.Context, event.Envelope) error {
		return boom
	}))
	require.NoError(t, err)
	defer sub.Close()

	err = f.Publish(context.Background(), event.Envelope{SessionID: "s1", Event: event.Idle{}})
	require.ErrorIs(t, err, boom)
}

func TestCloseStopsDelivery(t *testing.T) {
	f := NewInMemory()
	var got int
	sub, err := f.Register(SubscriberFunc(func(context.Context, event.Envelope) error {
		got++
		return nil
	}))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Publish(ctx, event.Envelope{SessionID: "s1", Event: event.Idle{}}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent
	require.NoError(t, f.Publish(ctx, event.Envelope{SessionID: "s1", Event: event.Idle{}}))
	require.Equal(t, 1, got)
}
