// Package protocol describes the newline-delimited JSON that the agent CLI
// writes to stdout in stream-json mode, and classifies each line into a
// typed message.
package protocol

import (
	"bytes"
	"encoding/json"
)

// MessageType discriminates between message kinds.
type MessageType string

const (
	MessageTypeMessageStart      MessageType = "message_start"
	MessageTypeContentBlockStart MessageType = "content_block_start"
	MessageTypeContentBlockDelta MessageType = "content_block_delta"
	MessageTypeAssistant         MessageType = "assistant"
	MessageTypeRateLimit         MessageType = "rate_limit_event"
	MessageTypeResult            MessageType = "result"
	MessageTypeStreamEvent       MessageType = "stream_event"
)

// Delta types carried by content_block_delta.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// Content block types.
const (
	BlockTypeText     = "text"
	BlockTypeThinking = "thinking"
	BlockTypeToolUse  = "tool_use"
)

// Message is the interface for all classified lines.
type Message interface {
	MsgType() MessageType
	SessionID() string
}

// Envelope carries the fields every message may have regardless of kind.
type Envelope struct {
	Session string
}

// SessionID returns the session_id found on the line, if any.
func (e Envelope) SessionID() string { return e.Session }

// MessageStart begins a new assistant message.
type MessageStart struct {
	Envelope
}

// MsgType returns the message type.
func (m MessageStart) MsgType() MessageType { return MessageTypeMessageStart }

// ContentBlockStart opens the content block at Index.
type ContentBlockStart struct {
	Envelope
	BlockType string
	Index     int
}

// MsgType returns the message type.
func (m ContentBlockStart) MsgType() MessageType { return MessageTypeContentBlockStart }

// ContentBlockDelta is an incremental fragment of the block at Index.
// Text holds the text, thinking or partial JSON payload depending on
// DeltaType.
type ContentBlockDelta struct {
	Envelope
	DeltaType string
	Text      string
	Index     int
}

// MsgType returns the message type.
func (m ContentBlockDelta) MsgType() MessageType { return MessageTypeContentBlockDelta }

// Assistant is a fully assembled assistant message.
type Assistant struct {
	Envelope
	Blocks []ContentBlock
}

// MsgType returns the message type.
func (m Assistant) MsgType() MessageType { return MessageTypeAssistant }

// RateLimit carries quota information, forwarded verbatim.
type RateLimit struct {
	Envelope
	Info json.RawMessage
}

// MsgType returns the message type.
func (m RateLimit) MsgType() MessageType { return MessageTypeRateLimit }

// Result is the terminal payload of a turn. Raw is the complete line; the
// other fields are conveniences extracted from it.
type Result struct {
	Envelope
	Raw          json.RawMessage
	Subtype      string
	Text         string
	TotalCostUSD float64
	DurationMs   int64
	NumTurns     int
	IsError      bool
}

// MsgType returns the message type.
func (m Result) MsgType() MessageType { return MessageTypeResult }

// Other is any well-formed line whose type the engine does not act on
// (system, user, message_delta, ping, ...).
type Other struct {
	Envelope
	Type MessageType
	Raw  json.RawMessage
}

// MsgType returns the message type.
func (m Other) MsgType() MessageType { return m.Type }

// ContentBlock is one block of an assembled assistant message.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is assistant-visible text.
type TextBlock struct {
	Text string
}

// BlockType returns the block type.
func (b TextBlock) BlockType() string { return BlockTypeText }

// ThinkingBlock is the model's reasoning text.
type ThinkingBlock struct {
	Thinking string
}

// BlockType returns the block type.
func (b ThinkingBlock) BlockType() string { return BlockTypeThinking }

// ToolUseBlock is a tool invocation.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// BlockType returns the block type.
func (b ToolUseBlock) BlockType() string { return BlockTypeToolUse }

// DisplayInput renders the tool input for display: string inputs are
// returned as-is, anything else as compact JSON.
func (b ToolUseBlock) DisplayInput() string {
	if len(b.Input) == 0 {
		return ""
	}
	if b.Input[0] == '"' {
		var s string
		if err := json.Unmarshal(b.Input, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b.Input); err != nil {
		return string(b.Input)
	}
	return buf.String()
}
