// Package history reconstructs a structured conversation from a finite,
// ordered event log for one session. Reconstruction is pure: it never mutates
// its input, produces fresh output on every call, and yields a deterministic
// item ordering for a given log, so it is safe to run repeatedly against the
// same session history.
package history

import (
	"github.com/agentbridge/agentbridge/event"
	"github.com/agentbridge/agentbridge/invocation"
)

type (
	// Item is one entry of the reconstructed conversation: either a user
	// Request or an agent Response.
	Item interface {
		isItem()
	}

	// Request is a user prompt. Consecutive user messages each produce
	// their own Request; requests are never merged into a prior response.
	Request struct {
		// Prompt is the user message content.
		Prompt string
	}

	// Response groups the agent output produced for the preceding request.
	// Parts preserve original arrival order: completing a tool invocation
	// mutates it in place and never moves it among its siblings.
	Response struct {
		// Parts is the ordered mix of text chunks and tool invocations.
		Parts []Part
	}

	// Part is a single ordered fragment of a Response: a TextPart or a
	// ToolPart.
	Part interface {
		isPart()
	}

	// TextPart is a chunk of assistant text.
	TextPart struct {
		// Text is the chunk content.
		Text string
	}

	// ToolPart embeds a tool invocation in the response at the position
	// its start event was observed.
	ToolPart struct {
		// Invocation is the tracked tool call.
		Invocation *invocation.ToolInvocation
	}

	// builder accumulates the open response and resolves tool completion
	// positions through an index computed at insertion time, so the parts
	// list is never walked and patched during iteration.
	builder struct {
		items []Item
		// open is the response being accumulated, nil when none is open.
		open *Response
		// index maps tool call ids to their position in open.Parts.
		index map[string]int
	}
)

func (Request) isItem()  {}
func (Response) isItem() {}

func (TextPart) isPart() {}
func (ToolPart) isPart() {}

// Reconstruct replays a session-scoped event log into ordered history items.
// User messages flush the open response and start a new request; assistant
// messages and tool starts accumulate into the open response; completions
// pair with their start by tool call id inside the still-open response.
// Orphan completions (no matching start, for example from a truncated log)
// are discarded. Any invocation still started when its response flushes or
// the log ends is force-finalized, so every invocation reachable from the
// result is completed.
func Reconstruct(events []event.Event) []Item {
	b := builder{}
	for _, ev := range events {
		switch e := ev.(type) {
		case event.Message:
			switch e.Role {
			case event.RoleUser:
				b.flush()
				b.items = append(b.items, Request{Prompt: e.Content})
			case event.RoleAssistant:
				b.ensureOpen()
				if e.Content != "" {
					b.open.Parts = append(b.open.Parts, TextPart{Text: e.Content})
				}
			}
		case event.ToolStart:
			b.ensureOpen()
			inv := invocation.Start(e)
			b.index[e.ToolCallID] = len(b.open.Parts)
			b.open.Parts = append(b.open.Parts, ToolPart{Invocation: inv})
		case event.ToolComplete:
			if b.open == nil {
				continue
			}
			if pos, ok := b.index[e.ToolCallID]; ok {
				part := b.open.Parts[pos].(ToolPart)
				invocation.Complete(part.Invocation, e)
			}
		case event.Delta:
			// Historical logs carry complete messages; streaming fragments
			// only appear on the live feed.
		case event.Idle:
			// Turn boundaries are implicit in history: the next user
			// message flushes the open response.
		}
	}
	b.flush()
	return b.items
}

// ensureOpen opens a response accumulator when none is open so tool events
// and assistant text always have somewhere to land.
func (b *builder) ensureOpen() {
	if b.open == nil {
		b.open = &Response{}
		b.index = make(map[string]int)
	}
}

// flush finalizes the open response: still-started invocations are completed
// without a result and the response is appended to the items. An open
// response with no parts still flushes as an empty Response, since an empty
// assistant message records that the agent answered with nothing.
func (b *builder) flush() {
	if b.open == nil {
		return
	}
	for _, part := range b.open.Parts {
		if tp, ok := part.(ToolPart); ok {
			invocation.ForceFinalize(tp.Invocation)
		}
	}
	b.items = append(b.items, *b.open)
	b.open = nil
	b.index = nil
}
