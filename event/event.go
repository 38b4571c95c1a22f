// Package event defines the closed set of progress events emitted by an
// external agent process. Events arrive in emission order for a given session
// but are interleaved across sessions on the shared progress feed, so live
// consumers demultiplex by the session id carried on the Envelope.
//
// The union is deliberately closed: every consumption site switches
// exhaustively over the concrete variants so that a new or unexpected event
// kind fails loudly instead of being silently dropped.
package event

type (
	// Event describes a single progress update produced by the agent process.
	// Implementations are immutable after construction and safe to share
	// across goroutines. The concrete types are Message, ToolStart,
	// ToolComplete, Delta, and Idle.
	Event interface {
		// Type returns the event type constant identifying the variant.
		Type() Type

		isEvent()
	}

	// Envelope tags an event with the backend session that produced it.
	// The shared progress feed carries envelopes; historical logs returned
	// by the backend are already session-scoped and carry bare events.
	Envelope struct {
		// SessionID identifies the backend session the event belongs to.
		SessionID string
		// Event is the progress update itself.
		Event Event
	}

	// Message carries a complete conversational message. User messages open
	// a new request in the reconstructed history; assistant messages
	// contribute text to the current response.
	Message struct {
		// Role identifies the author of the message.
		Role Role
		// Content is the opaque message body. It may be empty: an empty
		// assistant message still opens a response accumulator during
		// reconstruction so that subsequent tool events have a home.
		Content string
	}

	// ToolStart announces that the agent process began a tool call.
	ToolStart struct {
		// ToolCallID correlates this start with a later ToolComplete.
		// Unique within a turn, not globally.
		ToolCallID string
		// ToolName is the agent-side tool identifier.
		ToolName string
		// Kind optionally classifies the tool call (see ToolKindTerminal).
		// Empty means a generic tool call.
		Kind string
		// Arguments carries the raw tool argument JSON when available.
		// Parsing is best-effort downstream; malformed JSON is never fatal.
		Arguments string
		// InvocationMessage is the in-flight human-facing description
		// (for example "Listing files in src/").
		InvocationMessage string
		// DisplayName is the human-facing tool name for progress UIs.
		DisplayName string
	}

	// ToolComplete reports the outcome of a previously started tool call.
	ToolComplete struct {
		// ToolCallID matches the ToolStart being completed.
		ToolCallID string
		// Success reports whether the tool call succeeded.
		Success bool
		// Output carries the tool output when available.
		Output string
		// ErrorText carries the failure description when Success is false.
		ErrorText string
		// PastTenseMessage is the human-facing completion summary
		// (for example "Listed files in src/").
		PastTenseMessage string
	}

	// Delta carries a streaming assistant text fragment. Deltas are
	// surfaced to consumers as soon as they are observed, never buffered.
	Delta struct {
		// Content is the text fragment.
		Content string
	}

	// Idle marks the end of a turn: the agent process has finished
	// producing events for the in-flight request.
	Idle struct{}

	// Type enumerates event variants.
	Type string

	// Role identifies the author of a Message.
	Role string
)

const (
	// TypeMessage identifies Message events.
	TypeMessage Type = "message"
	// TypeToolStart identifies ToolStart events.
	TypeToolStart Type = "tool_start"
	// TypeToolComplete identifies ToolComplete events.
	TypeToolComplete Type = "tool_complete"
	// TypeDelta identifies Delta events.
	TypeDelta Type = "delta"
	// TypeIdle identifies Idle events.
	TypeIdle Type = "idle"

	// RoleUser marks a message authored by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the agent.
	RoleAssistant Role = "assistant"

	// ToolKindTerminal marks a tool call that runs a command in a terminal.
	// Terminal completions carry their result in the structured output and
	// exit code rather than a free-text summary.
	ToolKindTerminal = "terminal"
)

// Type implements Event.
func (Message) Type() Type { return TypeMessage }

// Type implements Event.
func (ToolStart) Type() Type { return TypeToolStart }

// Type implements Event.
func (ToolComplete) Type() Type { return TypeToolComplete }

// Type implements Event.
func (Delta) Type() Type { return TypeDelta }

// Type implements Event.
func (Idle) Type() Type { return TypeIdle }

func (Message) isEvent()      {}
func (ToolStart) isEvent()    {}
func (ToolComplete) isEvent() {}
func (Delta) isEvent()        {}
func (Idle) isEvent()         {}
