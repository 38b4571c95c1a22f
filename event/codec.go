package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// wireEnvelope is the JSON frame used to carry envelopes over transports
	// such as Pulse streams. Payload holds the variant-specific fields.
	wireEnvelope struct {
		Type      Type            `json:"type"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	messagePayload struct {
		Role    Role   `json:"role"`
		Content string `json:"content,omitempty"`
	}

	toolStartPayload struct {
		ToolCallID        string `json:"tool_call_id"`
		ToolName          string `json:"tool_name"`
		Kind              string `json:"kind,omitempty"`
		Arguments         string `json:"arguments,omitempty"`
		InvocationMessage string `json:"invocation_message,omitempty"`
		DisplayName       string `json:"display_name,omitempty"`
	}

	toolCompletePayload struct {
		ToolCallID       string `json:"tool_call_id"`
		Success          bool   `json:"success"`
		Output           string `json:"output,omitempty"`
		ErrorText        string `json:"error,omitempty"`
		PastTenseMessage string `json:"past_tense_message,omitempty"`
	}

	deltaPayload struct {
		Content string `json:"content"`
	}
)

// Encode serializes an envelope into the JSON wire frame. The timestamp
// records publication time in UTC.
func Encode(env Envelope) ([]byte, error) {
	if env.Event == nil {
		return nil, errors.New("envelope event is required")
	}
	var payload any
	switch ev := env.Event.(type) {
	case Message:
		payload = messagePayload{Role: ev.Role, Content: ev.Content}
	case ToolStart:
		payload = toolStartPayload{
			ToolCallID:        ev.ToolCallID,
			ToolName:          ev.ToolName,
			Kind:              ev.Kind,
			Arguments:         ev.Arguments,
			InvocationMessage: ev.InvocationMessage,
			DisplayName:       ev.DisplayName,
		}
	case ToolComplete:
		payload = toolCompletePayload{
			ToolCallID:       ev.ToolCallID,
			Success:          ev.Success,
			Output:           ev.Output,
			ErrorText:        ev.ErrorText,
			PastTenseMessage: ev.PastTenseMessage,
		}
	case Delta:
		payload = deltaPayload{Content: ev.Content}
	case Idle:
		payload = nil
	default:
		return nil, fmt.Errorf("encode event: unknown type %q", env.Event.Type())
	}
	frame := wireEnvelope{
		Type:      env.Event.Type(),
		SessionID: env.SessionID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frame.Type, err)
		}
		frame.Payload = b
	}
	return json.Marshal(frame)
}

// Decode reconstructs an envelope from its JSON wire frame. Unknown event
// types are rejected so transports never deliver silently-ignored variants.
func Decode(data []byte) (Envelope, error) {
	var frame wireEnvelope
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope frame: %w", err)
	}
	var ev Event
	switch frame.Type {
	case TypeMessage:
		var p messagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		ev = Message{Role: p.Role, Content: p.Content}
	case TypeToolStart:
		var p toolStartPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		ev = ToolStart{
			ToolCallID:        p.ToolCallID,
			ToolName:          p.ToolName,
			Kind:              p.Kind,
			Arguments:         p.Arguments,
			InvocationMessage: p.InvocationMessage,
			DisplayName:       p.DisplayName,
		}
	case TypeToolComplete:
		var p toolCompletePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		ev = ToolComplete{
			ToolCallID:       p.ToolCallID,
			Success:          p.Success,
			Output:           p.Output,
			ErrorText:        p.ErrorText,
			PastTenseMessage: p.PastTenseMessage,
		}
	case TypeDelta:
		var p deltaPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		ev = Delta{Content: p.Content}
	case TypeIdle:
		ev = Idle{}
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown event type %q", frame.Type)
	}
	return Envelope{SessionID: frame.SessionID, Event: ev}, nil
}
