package server

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/bazelment/agentrelay/stream"
)

// Client frame types.
const (
	FrameRun    = "run"
	FrameCancel = "cancel"
)

// Server frame types beyond the stream event names.
const (
	FrameHello = "hello"
)

// ClientFrame is a message from the browser.
type ClientFrame struct {
	Type   string `json:"type" jsonschema:"enum=run,enum=cancel"`
	Prompt string `json:"prompt,omitempty" jsonschema:"description=Prompt for a run frame"`
	// SessionID resumes a specific session instead of the conversation's
	// last one.
	SessionID    string   `json:"session_id,omitempty"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty" jsonschema:"minimum=0"`
}

// ToolFrame describes one tool invocation.
type ToolFrame struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ResultFrame summarizes a turn result.
type ResultFrame struct {
	Subtype      string  `json:"subtype,omitempty"`
	Text         string  `json:"text,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
}

// ServerFrame is a message to the browser. Type is "hello" or the name of
// the stream event it carries.
type ServerFrame struct {
	Type           string          `json:"type" jsonschema:"enum=hello,enum=text,enum=thinking,enum=tool,enum=rate_limit,enum=result,enum=session_id,enum=error,enum=done"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	Tool           *ToolFrame      `json:"tool,omitempty"`
	RateLimit      json.RawMessage `json:"rate_limit,omitempty"`
	Result         *ResultFrame    `json:"result,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	Recoverable    bool            `json:"recoverable,omitempty"`
}

func errorFrame(msg string, recoverable bool) ServerFrame {
	return ServerFrame{Type: stream.EventTypeError.String(), Error: msg, Recoverable: recoverable}
}

// FrameFromEvent converts a stream event to its wire form.
func FrameFromEvent(ev stream.Event) ServerFrame {
	f := ServerFrame{Type: ev.Type().String()}
	switch e := ev.(type) {
	case stream.TextEvent:
		f.Text = e.Text
	case stream.ThinkingEvent:
		f.Text = e.Thinking
	case stream.ToolEvent:
		f.Tool = &ToolFrame{ID: e.ID, Name: e.Name, Input: e.RawInput}
	case stream.RateLimitEvent:
		f.RateLimit = e.Info
	case stream.ResultEvent:
		r := e.Result
		f.Result = &ResultFrame{
			Subtype:      r.Subtype,
			Text:         r.Text,
			TotalCostUSD: r.TotalCostUSD,
			DurationMs:   r.DurationMs,
			NumTurns:     r.NumTurns,
			IsError:      r.IsError,
		}
	case stream.SessionIDEvent:
		f.SessionID = e.SessionID
	case stream.ErrorEvent:
		f.Error = e.Err.Error()
		f.Recoverable = stream.IsRecoverable(e.Err)
	case stream.DoneEvent:
		code := e.ExitCode
		f.ExitCode = &code
		f.Outcome = e.Outcome.String()
		f.SessionID = e.SessionID
		if e.Err != nil {
			f.Error = e.Err.Error()
		}
	}
	return f
}

// FrameSchema returns the JSON schema of both frame directions.
func FrameSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schemas := map[string]*jsonschema.Schema{
		"client": reflector.Reflect(&ClientFrame{}),
		"server": reflector.Reflect(&ServerFrame{}),
	}
	return json.MarshalIndent(schemas, "", "  ")
}
