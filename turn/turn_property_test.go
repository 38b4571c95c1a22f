package turn

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentbridge/agentbridge/event"
)

// TestRunDemultiplexesSessionsProperty verifies that events tagged with a
// different session id never affect the active turn, whatever the
// interleaving of the two sessions on the shared feed.
func TestRunDemultiplexesSessionsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("foreign session events never leak into the turn", prop.ForAll(
		func(seeds []int) bool {
			b := newNotifyBackend()
			ctx := context.Background()
			mine, err := b.CreateSession(ctx)
			if err != nil {
				return false
			}
			other, err := b.CreateSession(ctx)
			if err != nil {
				return false
			}
			sink := &recordSink{}
			c, err := NewCorrelator(b)
			if err != nil {
				return false
			}
			out := make(chan runOutcome, 1)
			go func() {
				res, err := c.Run(ctx, mine, "prompt", sink)
				out <- runOutcome{res: res, err: err}
			}()
			select {
			case <-b.sent:
			case <-time.After(2 * time.Second):
				return false
			}

			// Replay the seed-driven foreign traffic interleaved with a
			// fixed script for the active session.
			var wantTexts []string
			for i, s := range seeds {
				switch s % 4 {
				case 0:
					_ = b.Emit(ctx, other, event.Delta{Content: fmt.Sprintf("foreign-%d", i)})
				case 1:
					_ = b.Emit(ctx, other, event.ToolStart{ToolCallID: fmt.Sprintf("f-%d", i), ToolName: "rm"})
				case 2:
					_ = b.Emit(ctx, other, event.Idle{})
				case 3:
					text := fmt.Sprintf("mine-%d", i)
					_ = b.Emit(ctx, mine, event.Delta{Content: text})
					wantTexts = append(wantTexts, text)
				}
			}
			_ = b.Emit(ctx, mine, event.Idle{})

			select {
			case o := <-out:
				if o.err != nil || o.res.Status != StatusDone {
					return false
				}
			case <-time.After(2 * time.Second):
				return false
			}

			texts, invs := sink.snapshot()
			if len(invs) != 0 {
				return false
			}
			if len(texts) != len(wantTexts) {
				return false
			}
			for i := range texts {
				if texts[i] != wantTexts[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
