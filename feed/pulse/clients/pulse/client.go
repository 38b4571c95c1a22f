// Package pulse wraps goa.design/pulse streams behind a narrow interface so
// the progress feed can publish and consume envelopes without depending on
// the full streaming API. Callers own the Redis connection: they build a
// redis.Client, hand it to New, and get back a typed handle factory.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen caps the number of entries retained per stream.
		// Zero uses the Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client hands out stream handles backed by Redis.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. The Redis connection
		// belongs to the caller and is left open.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations the feed needs: appending entries and
	// opening consumer groups.
	Stream interface {
		// Add appends an entry with the given event name and payload,
		// returning the Redis entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a stream.
	Sink interface {
		// Subscribe returns a channel emitting entries as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack marks an entry as processed.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle applies the configured timeout to stream operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows streaming.Sink to the Sink interface.
type sinkAdapter struct {
	sink *streaming.Sink
}

func (s sinkAdapter) Subscribe() <-chan *streaming.Event { return s.sink.Subscribe() }

func (s sinkAdapter) Ack(ctx context.Context, evt *streaming.Event) error {
	return s.sink.Ack(ctx, evt)
}

func (s sinkAdapter) Close(ctx context.Context) { s.sink.Close(ctx) }
