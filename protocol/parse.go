package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseError reports a line that is not a JSON object. The engine treats
// it as recoverable: the line falls back to plain-text handling.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Parse classifies a single stdout line.
//
// The discriminator is the "type" field, falling back to "role". A line
// whose role is assistant is a full assistant message regardless of type. Lines of
// type stream_event are unwrapped so partial-message events look the same
// whether or not the CLI wraps them. The envelope's session_id takes
// precedence over one on the inner event.
func Parse(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, &ParseError{Reason: "empty line"}
	}
	if !gjson.ValidBytes(line) {
		return nil, &ParseError{Line: string(line), Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, &ParseError{Line: string(line), Reason: "not a JSON object"}
	}

	env := Envelope{Session: root.Get("session_id").String()}
	body := root
	typ := root.Get("type").String()

	if MessageType(typ) == MessageTypeStreamEvent {
		if inner := root.Get("event"); inner.IsObject() {
			body = inner
			typ = inner.Get("type").String()
			if env.Session == "" {
				env.Session = inner.Get("session_id").String()
			}
		}
	}
	// A top-level assistant role marks a full message whatever the type.
	if role := body.Get("role").String(); typ == "" || role == string(MessageTypeAssistant) {
		typ = role
	}

	switch MessageType(typ) {
	case MessageTypeMessageStart:
		return MessageStart{Envelope: env}, nil

	case MessageTypeContentBlockStart:
		return ContentBlockStart{
			Envelope:  env,
			Index:     int(body.Get("index").Int()),
			BlockType: body.Get("content_block.type").String(),
		}, nil

	case MessageTypeContentBlockDelta:
		return parseDelta(env, body), nil

	case MessageTypeAssistant:
		return Assistant{Envelope: env, Blocks: parseBlocks(body)}, nil

	case MessageTypeRateLimit:
		info := body.Get("rate_limit_info")
		raw := json.RawMessage(body.Raw)
		if info.Exists() {
			raw = json.RawMessage(info.Raw)
		}
		return RateLimit{Envelope: env, Info: raw}, nil

	case MessageTypeResult:
		return Result{
			Envelope:     env,
			Raw:          json.RawMessage(body.Raw),
			Subtype:      body.Get("subtype").String(),
			Text:         body.Get("result").String(),
			IsError:      body.Get("is_error").Bool(),
			TotalCostUSD: body.Get("total_cost_usd").Float(),
			DurationMs:   body.Get("duration_ms").Int(),
			NumTurns:     int(body.Get("num_turns").Int()),
		}, nil

	default:
		return Other{Envelope: env, Type: MessageType(typ), Raw: json.RawMessage(body.Raw)}, nil
	}
}

func parseDelta(env Envelope, body gjson.Result) ContentBlockDelta {
	delta := body.Get("delta")
	d := ContentBlockDelta{
		Envelope:  env,
		Index:     int(body.Get("index").Int()),
		DeltaType: delta.Get("type").String(),
	}
	switch d.DeltaType {
	case DeltaTypeText:
		d.Text = delta.Get("text").String()
	case DeltaTypeThinking:
		d.Text = delta.Get("thinking").String()
	case DeltaTypeInputJSON:
		d.Text = delta.Get("partial_json").String()
	}
	return d
}

// parseBlocks reads the content array from message.content, or from a
// top-level content field when the line is a bare message. A plain string
// content is treated as a single text block.
func parseBlocks(body gjson.Result) []ContentBlock {
	content := body.Get("message.content")
	if !content.Exists() {
		content = body.Get("content")
	}
	if content.Type == gjson.String {
		return []ContentBlock{TextBlock{Text: content.String()}}
	}
	if !content.IsArray() {
		return nil
	}

	items := content.Array()
	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		switch item.Get("type").String() {
		case BlockTypeText:
			blocks = append(blocks, TextBlock{Text: item.Get("text").String()})
		case BlockTypeThinking:
			blocks = append(blocks, ThinkingBlock{Thinking: item.Get("thinking").String()})
		case BlockTypeToolUse:
			var input json.RawMessage
			if in := item.Get("input"); in.Exists() {
				input = json.RawMessage(in.Raw)
			}
			blocks = append(blocks, ToolUseBlock{
				ID:    item.Get("id").String(),
				Name:  item.Get("name").String(),
				Input: input,
			})
		default:
			// Keep positions aligned with the wire indices.
			blocks = append(blocks, nil)
		}
	}
	return blocks
}
