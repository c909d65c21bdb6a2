package stream

import (
	"encoding/json"

	"github.com/bazelment/agentrelay/protocol"
)

// EventType discriminates Event variants.
type EventType int

const (
	EventTypeText EventType = iota
	EventTypeThinking
	EventTypeTool
	EventTypeRateLimit
	EventTypeResult
	EventTypeSessionID
	EventTypeError
	EventTypeDone
)

func (t EventType) String() string {
	switch t {
	case EventTypeText:
		return "text"
	case EventTypeThinking:
		return "thinking"
	case EventTypeTool:
		return "tool"
	case EventTypeRateLimit:
		return "rate_limit"
	case EventTypeResult:
		return "result"
	case EventTypeSessionID:
		return "session_id"
	case EventTypeError:
		return "error"
	case EventTypeDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is a tagged union of everything a Session emits.
type Event interface {
	Type() EventType
}

// TextEvent carries assistant-visible text. Successive text segments are
// separated by a leading "\n\n".
type TextEvent struct {
	Text string
}

// Type returns the event type.
func (e TextEvent) Type() EventType { return EventTypeText }

// ThinkingEvent carries the model's reasoning text.
type ThinkingEvent struct {
	Thinking string
}

// Type returns the event type.
func (e ThinkingEvent) Type() EventType { return EventTypeThinking }

// ToolEvent is emitted once per tool invocation.
type ToolEvent struct {
	ID   string
	Name string
	// Input is the displayable form of RawInput.
	Input    string
	RawInput json.RawMessage
}

// Type returns the event type.
func (e ToolEvent) Type() EventType { return EventTypeTool }

// RateLimitEvent forwards the agent's rate_limit_info verbatim.
type RateLimitEvent struct {
	Info json.RawMessage
}

// Type returns the event type.
func (e RateLimitEvent) Type() EventType { return EventTypeRateLimit }

// ResultEvent carries a turn's result. It does not end the session.
type ResultEvent struct {
	Result protocol.Result
}

// Type returns the event type.
func (e ResultEvent) Type() EventType { return EventTypeResult }

// SessionIDEvent reports the resolved session id. It is emitted at most
// once per session.
type SessionIDEvent struct {
	SessionID string
}

// Type returns the event type.
func (e SessionIDEvent) Type() EventType { return EventTypeSessionID }

// ErrorEvent reports a fatal condition. It is always followed by DoneEvent.
type ErrorEvent struct {
	Err error
}

// Type returns the event type.
func (e ErrorEvent) Type() EventType { return EventTypeError }

// DoneEvent is the last event of every session.
type DoneEvent struct {
	// Err is the error reported by the preceding ErrorEvent, if any.
	Err       error
	SessionID string
	Outcome   Outcome
	// ExitCode is the agent's exit status, or -1 when it did not exit on
	// its own.
	ExitCode int
}

// Type returns the event type.
func (e DoneEvent) Type() EventType { return EventTypeDone }
