package stream

import (
	"log/slog"
	"strings"

	"github.com/bazelment/agentrelay/internal/ndjson"
	"github.com/bazelment/agentrelay/protocol"
)

const paragraphSeparator = "\n\n"

// reconstructor turns classified lines into events, suppressing content
// that an assembled message repeats after it was already streamed as
// deltas.
type reconstructor struct {
	logger   *slog.Logger
	resolver *resolver
	emit     func(Event)
	// streamed holds the text and thinking block indices of the current
	// message that arrived as deltas.
	streamed map[int]bool
	// toolsSeen holds tool_use ids already emitted. Tool blocks never
	// arrive as deltas, and the CLI may repeat them in later snapshots.
	toolsSeen   map[string]bool
	emittedText bool
	pendingSep  bool
}

func newReconstructor(logger *slog.Logger, res *resolver, emit func(Event)) *reconstructor {
	return &reconstructor{
		logger:    logger,
		resolver:  res,
		emit:      emit,
		streamed:  make(map[int]bool),
		toolsSeen: make(map[string]bool),
	}
}

// handleLine processes one newline-terminated stdout line.
func (r *reconstructor) handleLine(line string) {
	r.handleFramed(line, true)
}

// handleFramed processes one stdout line. terminated is false only for the
// tail flushed at exit.
func (r *reconstructor) handleFramed(line string, terminated bool) {
	msg, err := protocol.Parse([]byte(line))
	if err != nil {
		r.handlePlain(line, terminated)
		return
	}
	if id := msg.SessionID(); id != "" {
		if r.resolver.offerStructured(id) {
			r.emit(SessionIDEvent{SessionID: id})
		}
	}
	r.handleMessage(msg)
}

// handlePlain applies the fallback for lines that are not JSON objects:
// look for a session id, then deliver the line as text. The newline is
// restored only if the agent wrote one.
func (r *reconstructor) handlePlain(line string, terminated bool) {
	r.resolver.offerText(line)
	if strings.TrimSpace(line) == "" {
		return
	}
	r.logger.Debug("non-JSON stdout line", "len", len(line))
	if terminated {
		line += "\n"
	}
	r.emitText(line)
}

func (r *reconstructor) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.MessageStart:
		clear(r.streamed)

	case protocol.ContentBlockStart:
		if m.BlockType == protocol.BlockTypeText && r.emittedText {
			r.pendingSep = true
		}

	case protocol.ContentBlockDelta:
		switch m.DeltaType {
		case protocol.DeltaTypeText:
			r.streamed[m.Index] = true
			r.emitText(m.Text)
		case protocol.DeltaTypeThinking:
			r.streamed[m.Index] = true
			if m.Text != "" {
				r.emit(ThinkingEvent{Thinking: m.Text})
			}
		}

	case protocol.Assistant:
		r.handleAssistant(m)

	case protocol.RateLimit:
		r.emit(RateLimitEvent{Info: m.Info})

	case protocol.Result:
		r.emit(ResultEvent{Result: m})

	default:
		r.logger.Debug("ignoring message", "type", msg.MsgType())
	}
}

func (r *reconstructor) handleAssistant(m protocol.Assistant) {
	for i, block := range m.Blocks {
		switch b := block.(type) {
		case protocol.TextBlock:
			if r.streamed[i] {
				continue
			}
			if r.emittedText {
				r.pendingSep = true
			}
			r.emitText(b.Text)

		case protocol.ThinkingBlock:
			if r.streamed[i] || b.Thinking == "" {
				continue
			}
			r.emit(ThinkingEvent{Thinking: b.Thinking})

		case protocol.ToolUseBlock:
			if b.ID != "" {
				if r.toolsSeen[b.ID] {
					continue
				}
				r.toolsSeen[b.ID] = true
			}
			r.emit(ToolEvent{
				ID:       b.ID,
				Name:     b.Name,
				Input:    b.DisplayInput(),
				RawInput: b.Input,
			})
		}
	}
}

func (r *reconstructor) emitText(text string) {
	if text == "" {
		return
	}
	if r.pendingSep && r.emittedText {
		text = paragraphSeparator + text
	}
	r.pendingSep = false
	r.emittedText = true
	r.emit(TextEvent{Text: text})
}

// resolver tracks the session id. A structured session_id field is
// authoritative and write-once. A textual match is only kept as a fallback
// for when no structured id ever arrives.
type resolver struct {
	id          string
	provisional string
}

// offerStructured records id if none was recorded yet and reports whether
// it did.
func (r *resolver) offerStructured(id string) bool {
	if r.id != "" || id == "" {
		return false
	}
	r.id = id
	return true
}

// offerText scans free-form output for a session id.
func (r *resolver) offerText(s string) {
	if r.id != "" || r.provisional != "" {
		return
	}
	if id, ok := protocol.MatchSessionText(s); ok {
		r.provisional = id
	}
}

// offerProvisional records an id found by a textual scan elsewhere.
func (r *resolver) offerProvisional(id string) {
	if r.id == "" && r.provisional == "" {
		r.provisional = id
	}
}

// settle promotes the provisional id when no structured id arrived. It
// reports the promoted id, if any.
func (r *resolver) settle() (string, bool) {
	if r.id != "" || r.provisional == "" {
		return "", false
	}
	r.id = r.provisional
	return r.id, true
}

func (r *resolver) best() string {
	if r.id != "" {
		return r.id
	}
	return r.provisional
}

// flush feeds the framer's remaining lines through r.
func (r *reconstructor) flush(framer *ndjson.Framer) {
	lines := framer.Finish()
	for i, line := range lines {
		last := i == len(lines)-1
		r.handleFramed(line, !last || !framer.Unterminated())
	}
}
