// Package pulse provides a Redis-backed progress feed built on
// goa.design/pulse streams. Envelopes published on one process are delivered
// to subscribers on every process consuming the same stream, which lets
// correlators run on a different host than the agent backend.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/feed"
	clientspulse "github.com/agentbridge/agentbridge/feed/pulse/clients/pulse"
	"github.com/agentbridge/agentbridge/telemetry"
)

type (
	// Options configures a Pulse-backed feed.
	Options struct {
		// Client is the Pulse client used to publish and consume envelopes.
		// Required.
		Client clientspulse.Client
		// StreamName is the Pulse stream carrying the envelopes. All sessions
		// share one stream; correlators demultiplex on the envelope session
		// ID. Defaults to "agent-progress".
		StreamName string
		// SinkName identifies the consumer group. Processes that must each
		// see every envelope need distinct sink names. Defaults to
		// "agentbridge-feed".
		SinkName string
		// Logger records decode and ack failures. Defaults to a no-op logger.
		Logger telemetry.Logger
		// SinkOptions are passed through when the consumer group is created.
		SinkOptions []streamopts.Sink
	}

	// Feed is a feed.Feed whose envelopes travel through a Pulse stream.
	// Publish appends the encoded envelope to the stream; a background
	// consumer decodes incoming entries and fans them out to local
	// subscribers.
	Feed struct {
		client clientspulse.Client
		stream clientspulse.Stream
		sink   clientspulse.Sink
		local  *feed.InMemory
		logger telemetry.Logger
		cancel context.CancelFunc

		closeOnce sync.Once
		done      chan struct{}
	}
)

var _ feed.Feed = (*Feed)(nil)

// Open connects to the configured stream, creates the consumer group, and
// starts delivering incoming envelopes to registered subscribers. Callers
// must Close the feed when done.
func Open(ctx context.Context, opts Options) (*Feed, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = "agent-progress"
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "agentbridge-feed"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, sinkName, opts.SinkOptions...)
	if err != nil {
		return nil, fmt.Errorf("open pulse sink: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		client: opts.Client,
		stream: stream,
		sink:   sink,
		local:  feed.NewInMemory(),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.consume(runCtx)
	return f, nil
}

// Publish encodes the envelope and appends it to the Pulse stream. Delivery
// to local subscribers happens through the consumer group, so subscribers on
// this process see the envelope only after it round-trips through Redis.
func (f *Feed) Publish(ctx context.Context, env event.Envelope) error {
	payload, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := f.stream.Add(ctx, string(env.Event.Type()), payload); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Register adds a subscriber for envelopes consumed from the stream.
func (f *Feed) Register(sub feed.Subscriber) (feed.Subscription, error) {
	return f.local.Register(sub)
}

// Close stops the consumer, closes the sink, and releases the client. Safe to
// call more than once.
func (f *Feed) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		f.sink.Close(ctx)
		<-f.done
		err = f.client.Close(ctx)
	})
	return err
}

// consume drains the consumer group, decoding each entry and fanning it out
// locally. Malformed entries are acked and logged so one bad payload cannot
// wedge the stream.
func (f *Feed) consume(ctx context.Context) {
	defer close(f.done)
	ch := f.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			env, err := event.Decode(entry.Payload)
			if err != nil {
				f.logger.Error(ctx, "drop undecodable feed entry", "entry_id", entry.ID, "error", err)
				f.ack(ctx, entry)
				continue
			}
			if err := f.local.Publish(ctx, env); err != nil {
				f.logger.Error(ctx, "feed subscriber failed", "session_id", env.SessionID, "error", err)
			}
			f.ack(ctx, entry)
		}
	}
}

func (f *Feed) ack(ctx context.Context, entry *streaming.Event) {
	if err := f.sink.Ack(ctx, entry); err != nil {
		f.logger.Error(ctx, "ack feed entry", "entry_id", entry.ID, "error", err)
	}
}
