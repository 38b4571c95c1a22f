// Package invocation tracks the lifecycle of a single tool call, from its
// start event through completion. A ToolInvocation transitions
// Started → Completed at most once; duplicate completions are idempotent
// no-ops and turns that end without a matching completion force-finalize
// their outstanding invocations so consumers never observe a permanently
// pending tool call.
package invocation

import (
	"encoding/json"

	"github.com/agentbridge/agentbridge/event"
)

type (
	// ToolInvocation is the tracked lifecycle object for one tool call.
	// It is owned exclusively by the turn (or reconstruction pass) that
	// created it until that turn ends; completion mutates it in place so
	// its position among sibling response parts never changes.
	ToolInvocation struct {
		// ToolCallID is the correlation identity, unique within a turn.
		ToolCallID string
		// ToolName is the agent-side tool identifier.
		ToolName string
		// DisplayName is the human-facing tool name.
		DisplayName string
		// InvocationMessage describes the in-flight work.
		InvocationMessage string
		// Arguments holds the parsed tool arguments. Nil when the start
		// event carried no arguments or the JSON failed to parse; a parse
		// failure is never fatal.
		Arguments map[string]any
		// Kind classifies the invocation. Terminal invocations carry
		// their result in Output and ExitCode.
		Kind Kind
		// Status is the current lifecycle state.
		Status Status

		// CommandLine is the command being run. Terminal kind only,
		// extracted best-effort from the start arguments.
		CommandLine string
		// Language is the shell or language of the command. Terminal
		// kind only.
		Language string
		// Output is the terminal output recorded at completion. Terminal
		// kind only.
		Output string
		// ExitCode is the recorded exit status. Terminal kind only; nil
		// until completion and for force-finalized invocations.
		ExitCode *int

		// PastTenseMessage summarizes the completed work for generic
		// invocations. Never set for terminal invocations: the structured
		// output block already conveys the result.
		PastTenseMessage string
		// Success reports the completion outcome.
		Success bool
		// ErrorText carries the failure description when Success is false.
		// Available to callers for logging; never rethrown.
		ErrorText string
	}

	// Status represents the lifecycle state of a tool invocation.
	Status string

	// Kind classifies a tool invocation.
	Kind string
)

const (
	// StatusStarted indicates the tool call began and has not completed.
	StatusStarted Status = "started"
	// StatusCompleted indicates the tool call finished, failed, or was
	// finalized when its turn ended.
	StatusCompleted Status = "completed"

	// KindGeneric is an ordinary tool call summarized by free text.
	KindGeneric Kind = "generic"
	// KindTerminal is a command execution whose result is the structured
	// output and exit code.
	KindTerminal Kind = "terminal"
)

// Start constructs a Started invocation from a tool start event. Argument
// JSON is parsed best-effort: malformed payloads leave Arguments nil and the
// invocation is still created. Terminal invocations pick up their command
// line and language from the parsed arguments when present.
func Start(ev event.ToolStart) *ToolInvocation {
	inv := &ToolInvocation{
		ToolCallID:        ev.ToolCallID,
		ToolName:          ev.ToolName,
		DisplayName:       ev.DisplayName,
		InvocationMessage: ev.InvocationMessage,
		Kind:              KindGeneric,
		Status:            StatusStarted,
	}
	if ev.Kind == event.ToolKindTerminal {
		inv.Kind = KindTerminal
	}
	if ev.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(ev.Arguments), &args); err == nil {
			inv.Arguments = args
		}
	}
	if inv.Kind == KindTerminal && inv.Arguments != nil {
		if cmd, ok := inv.Arguments["command"].(string); ok {
			inv.CommandLine = cmd
		}
		if lang, ok := inv.Arguments["language"].(string); ok {
			inv.Language = lang
		}
	}
	return inv
}

// Complete applies a completion event to the invocation in place. Completing
// an already-completed invocation is a no-op, so replayed or duplicated
// completion events cannot corrupt state. Terminal invocations record the
// output and an exit code derived from the success flag and deliberately skip
// the past-tense summary; generic invocations record the summary.
func Complete(inv *ToolInvocation, ev event.ToolComplete) {
	if inv == nil || inv.Status == StatusCompleted {
		return
	}
	inv.Status = StatusCompleted
	inv.Success = ev.Success
	inv.ErrorText = ev.ErrorText
	if inv.Kind == KindTerminal {
		inv.Output = ev.Output
		code := 0
		if !ev.Success {
			code = 1
		}
		inv.ExitCode = &code
		return
	}
	inv.PastTenseMessage = ev.PastTenseMessage
}

// ForceFinalize marks a still-started invocation as completed with no result.
// Used when the owning turn ends (idle, cancellation, or failure) before a
// matching completion arrived. Idempotent on completed invocations.
func ForceFinalize(inv *ToolInvocation) {
	if inv == nil || inv.Status == StatusCompleted {
		return
	}
	inv.Status = StatusCompleted
}
